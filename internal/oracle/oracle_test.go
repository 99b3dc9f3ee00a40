package oracle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdnfast-dns/internal/cidrset"
)

func TestStaticSuffixOracleProperSuffix(t *testing.T) {
	o := NewStaticSuffixOracle([]string{"cdn.example.com"}, true)

	assert.True(t, o.Accepts("cdn.example.com"))
	assert.True(t, o.Accepts("cdn.example.com."))
	assert.True(t, o.Accepts("edge.cdn.example.com."))
	assert.False(t, o.Accepts("notcdn.example.com."))
	assert.False(t, o.Accepts("example.com."))
}

func TestStaticSuffixOracleLegacySubstringBehavior(t *testing.T) {
	// Historical behavior: substring containment, not suffix matching, and
	// it requires exactly one match.
	o := NewStaticSuffixOracle([]string{"cdn"}, false)
	assert.True(t, o.Accepts("cdn.example.com."))
	assert.True(t, o.Accepts("my-cdn-thing.example.com."))
}

func TestStaticSuffixOracleDuplicateEntriesDisableOverride(t *testing.T) {
	// count()==1 semantics: two entries both matching means no override,
	// preserved verbatim as historical/brittle behavior.
	o := NewStaticSuffixOracle([]string{"cdn.example.com", "example.com"}, true)
	assert.False(t, o.Accepts("cdn.example.com."))
}

func TestStaticSuffixOracleEmptyDomainSetNeverOverrides(t *testing.T) {
	o := NewStaticSuffixOracle(nil, true)
	assert.False(t, o.Accepts("anything.example.com."))
}

func TestLearnedCacheOracleColdThenLearned(t *testing.T) {
	_, cidrBlock, err := net.ParseCIDR("104.16.0.0/12")
	require.NoError(t, err)
	cidrs := cidrset.New([]*net.IPNet{cidrBlock})

	o := NewLearnedCacheOracle(cidrs, DefaultCacheCapacity)

	assert.False(t, o.Accepts("edge.example.net."))

	o.Learn("edge.example.net.", net.ParseIP("104.16.0.10").To4())
	assert.True(t, o.Accepts("edge.example.net"))
}

func TestLearnedCacheOracleIgnoresAnswerOutsideCidrSet(t *testing.T) {
	_, cidrBlock, err := net.ParseCIDR("104.16.0.0/12")
	require.NoError(t, err)
	cidrs := cidrset.New([]*net.IPNet{cidrBlock})

	o := NewLearnedCacheOracle(cidrs, DefaultCacheCapacity)
	o.Learn("example.org.", net.ParseIP("93.184.216.34").To4())

	assert.False(t, o.Accepts("example.org."))
}

func TestLearnedCacheOracleRespectsCapacity(t *testing.T) {
	_, cidrBlock, err := net.ParseCIDR("104.16.0.0/12")
	require.NoError(t, err)
	cidrs := cidrset.New([]*net.IPNet{cidrBlock})

	o := NewLearnedCacheOracle(cidrs, 1)
	o.Learn("first.example.net.", net.ParseIP("104.16.0.1").To4())
	o.Learn("second.example.net.", net.ParseIP("104.16.0.2").To4())

	assert.True(t, o.Accepts("first.example.net."))
	assert.False(t, o.Accepts("second.example.net."))
}
