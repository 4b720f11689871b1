//go:build !linux

package stuck

func newPlatformSampler() (sampler, error) {
	return nil, ErrUnsupported
}
