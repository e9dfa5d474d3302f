package via

import "context"

// Disabled is the provider selected when no RDMA capable device is wanted
// or found. Every operation fails with [ErrDisabled].
type Disabled struct{}

var _ Provider = Disabled{}

func (Disabled) Name() string {
	return "none"
}

func (Disabled) MTU() int {
	return 0
}

func (Disabled) Listen() (Listener, error) {
	return nil, ErrDisabled
}

func (Disabled) Dial(context.Context, string) (Wire, error) {
	return nil, ErrDisabled
}

func (Disabled) Close() error {
	return nil
}
