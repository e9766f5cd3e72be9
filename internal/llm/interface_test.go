// internal/llm/interface_test.go
package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	config map[string]string
}

func (p *fakeProvider) Initialize(config map[string]string) error {
	if config["api_key"] == "" {
		return errors.New("缺少api_key")
	}
	p.config = config
	return nil
}

func (p *fakeProvider) GetName() string { return "fake" }

func (p *fakeProvider) GenerateStream(context.Context, GenerateRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func TestProviderRegistry(t *testing.T) {
	Register("fake", func() Provider { return &fakeProvider{} })

	provider, err := GetProvider("fake", map[string]string{"api_key": "test"})
	require.NoError(t, err)
	assert.Equal(t, "fake", provider.GetName())

	assert.Contains(t, ListProviders(), "fake")
}

func TestGetProviderUnknown(t *testing.T) {
	_, err := GetProvider("不存在的提供商", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGetProviderInitializeFailure(t *testing.T) {
	Register("fake", func() Provider { return &fakeProvider{} })

	_, err := GetProvider("fake", map[string]string{})
	assert.Error(t, err)
}
