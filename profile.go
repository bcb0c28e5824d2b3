package camdrv

// Profile is a resolved pipeline: the selected device and the stream set
// that will run on it.
type Profile struct {
	device   *Device
	profiles []StreamProfile
	stream   *multistream
}

// Device returns the device the profile resolved onto.
func (p *Profile) Device() *Device {
	return p.device
}

// Streams lists the active stream profiles.
func (p *Profile) Streams() []StreamProfile {
	return append([]StreamProfile(nil), p.profiles...)
}
