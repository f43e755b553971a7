package security

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURLAttachments(t *testing.T) {
	ok := []string{
		"https://example.com/cat.png",
		"http://example.com/cat.png",
		"data:image/png;base64,iVBORw0KGgo=",
		"https://93.184.216.34/cat.png",
	}
	for _, u := range ok {
		assert.NoError(t, ValidateURL(u, AttachmentOptions), u)
	}

	rejected := []string{
		"ftp://example.com/cat.png",
		"file:///etc/passwd",
		"https://localhost/cat.png",
		"http://printer.local/scan.png",
		"http://127.0.0.1:8080/cat.png",
		"http://10.0.0.4/cat.png",
		"http://[::ffff:192.168.1.1]/cat.png",
		"https://0.0.0.0/",
		"https:///cat.png",
		"data:image/png;base64",
	}
	for _, u := range rejected {
		err := ValidateURL(u, AttachmentOptions)
		require.Error(t, err, u)
		assert.True(t, errors.Is(err, ErrUnsafeURL), u)
	}
}

func TestValidateURLZonedIPv6(t *testing.T) {
	assert.Error(t, ValidateURL("https://[fe80::1%25eth0]/", URLOptions{}))
	assert.NoError(t, ValidateURL("https://[fe80::1%25eth0]/", URLOptions{AllowLocalNetworks: true}))
}

func TestValidateURLEndpoint(t *testing.T) {
	assert.NoError(t, ValidateURL("http://localhost:11434/v1", EndpointOptions))
	assert.NoError(t, ValidateURL("https://api.openai.com/v1", EndpointOptions))
	assert.Error(t, ValidateURL("data:text/plain,hi", EndpointOptions))
}
