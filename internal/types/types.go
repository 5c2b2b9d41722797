package types

// FrameTask represents a single encoded frame read from the decoder
type FrameTask struct {
	Index int
	Data  []byte
}

// FaceBox is one detection returned by the face worker, in pixel coordinates
type FaceBox struct {
	X int32
	Y int32
	W int32
	H int32
}
