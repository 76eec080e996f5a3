package httpserver

const (
	ErrNotFound   = "not found"
	ErrDependency = "dependency error"
)
