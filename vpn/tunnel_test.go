package vpn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTunInterface_CloseWithoutEstablish(t *testing.T) {
	tun := NewTunInterface()
	assert.Nil(t, tun.Descriptor())
	assert.Empty(t, tun.Name())
	assert.NoError(t, tun.Close())
	assert.NoError(t, tun.Close())
}

func TestTunInterface_ImplementsTunnelDevice(t *testing.T) {
	var _ TunnelDevice = NewTunInterface()
}
