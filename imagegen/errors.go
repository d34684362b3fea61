package imagegen

import "errors"

var (
	ErrInvalidRequest  = errors.New("imagegen: invalid request")
	ErrInvalidFilename = errors.New("imagegen: invalid image filename")
	ErrImageNotFound   = errors.New("imagegen: image not found")
	ErrExecutorClosed  = errors.New("imagegen: executor is shutting down")
)
