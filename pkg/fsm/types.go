package fsm

// FlashRequest is the FSM input. Only serializable values live here; the
// image and device are re-resolved by every state.
type FlashRequest struct {
	JobID         string
	ImagePath     string
	DeviceID      string
	Verify        bool
	HashAlgorithm string
}

// FlashResponse is the FSM output (accumulated across transitions)
type FlashResponse struct {
	// From ValidateImage
	ImageName   string
	ImageSize   int64
	ImageFormat string
	ImageMember string
	ImageLabel  string
	Digest      string

	// From CheckDevice
	DeviceName     string
	DeviceCapacity uint64

	// From Flash
	BytesWritten   int64
	BytesVerified  int64
	MismatchOffset int64

	// From Complete/Failed
	State        string
	ErrorMessage string
}

// State names
const (
	StateValidateImage = "validate_image"
	StateCheckDevice   = "check_device"
	StateFlash         = "flash"
	StateComplete      = "complete"
	StateFailed        = "failed"
)
