package session

// Failed returns a Stream that never carries any data.
// Every Read and Write fails with err.
// It is how operations that must return a Stream report an error.
func Failed(err error) Stream {
	if err == nil {
		panic("a failed stream needs an error")
	}
	return &failedStream{err: err}
}

// Failure returns the error of a Stream created with Failed, or nil for any other Stream.
// Unlike Read it does not consume anything from the stream.
func Failure(s Stream) error {
	if f, ok := s.(*failedStream); ok {
		return f.err
	}
	return nil
}

type failedStream struct {
	err error
}

func (s *failedStream) Read([]byte) (int, error) {
	return 0, s.err
}

func (s *failedStream) Write([]byte) (int, error) {
	return 0, s.err
}

func (s *failedStream) Close() error {
	return nil
}
