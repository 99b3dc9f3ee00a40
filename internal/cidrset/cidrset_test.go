package cidrset

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestContains(t *testing.T) {
	s := New([]*net.IPNet{
		mustCIDR(t, "198.51.100.0/30"),
		mustCIDR(t, "104.16.0.0/12"),
	})

	assert.True(t, s.Contains(net.ParseIP("198.51.100.1")))
	assert.True(t, s.Contains(net.ParseIP("104.16.0.10")))
	assert.False(t, s.Contains(net.ParseIP("93.184.216.34")))
}

func TestContainsEmptySet(t *testing.T) {
	s := New(nil)
	assert.False(t, s.Contains(net.ParseIP("1.2.3.4")))
	assert.Equal(t, 0, s.Len())
}

func TestHostsEnumeratesEveryAddressIncludingNetworkAndBroadcast(t *testing.T) {
	s := New([]*net.IPNet{mustCIDR(t, "198.51.100.0/30")})

	var got []string
	for ip := range s.Hosts() {
		got = append(got, ip.String())
	}

	assert.ElementsMatch(t, []string{
		"198.51.100.0",
		"198.51.100.1",
		"198.51.100.2",
		"198.51.100.3",
	}, got)
}

func TestToUint32RoundTrip(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	v := ToUint32(ip)
	assert.Equal(t, uint32(0x01020304), v)
	assert.True(t, FromUint32(v).Equal(ip.To4()))
}

func TestToUint32RejectsNonIPv4(t *testing.T) {
	assert.Equal(t, uint32(0), ToUint32(net.ParseIP("::1")))
}
