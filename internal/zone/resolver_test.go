package zone

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCLI struct {
	occupiedByRegion map[string][]string
}

func (s *stubCLI) DescribeInstances(_ context.Context, region string) ([]string, error) {
	return s.occupiedByRegion[region], nil
}

func TestPickOverrideShortCircuits(t *testing.T) {
	r := New(Config{OverrideZone: "cn-x-a"}, &stubCLI{})

	zone, code, err := r.Pick(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, OK, code)
	assert.Equal(t, "cn-x-a", zone)
}

func TestPickNoStockWhenFlavorUnknown(t *testing.T) {
	r := New(Config{EnabledRegions: []string{"*"}}, &stubCLI{})
	r.SetDistribution(map[string][]string{"f1": {"cn-a-a"}})

	_, code, err := r.Pick(context.Background(), "f2")
	require.NoError(t, err)
	assert.Equal(t, CodeNoStock, code)
}

func TestPickDisabledWhenRegionFiltered(t *testing.T) {
	r := New(Config{EnabledRegions: []string{"cn-b"}}, &stubCLI{})
	r.SetDistribution(map[string][]string{"f1": {"cn-a-a", "cn-a-b"}})

	_, code, err := r.Pick(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, CodeDisabled, code)
}

func TestPickOccupiedWhenAllZonesReserved(t *testing.T) {
	cli := &stubCLI{occupiedByRegion: map[string][]string{
		"cn-a": {"avocado-instance-1"},
	}}
	r := New(Config{EnabledRegions: []string{"*"}, ReservedLabel: "avocado"}, cli)
	r.SetDistribution(map[string][]string{"f1": {"cn-a-a"}})

	_, code, err := r.Pick(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, CodeOccupied, code)
}

func TestPickReturnsAvailableZone(t *testing.T) {
	cli := &stubCLI{occupiedByRegion: map[string][]string{
		"cn-a": {},
	}}
	r := New(Config{EnabledRegions: []string{"*"}, ReservedLabel: "avocado"}, cli)
	r.SetDistribution(map[string][]string{"f1": {"cn-a-a"}})

	zone, code, err := r.Pick(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, OK, code)
	assert.Equal(t, "cn-a-a", zone)
}

func TestRegionOf(t *testing.T) {
	assert.Equal(t, "cn-hangzhou", regionOf("cn-hangzhou-a"))
	assert.Equal(t, "cn-hangzhou", regionOf("cn-hangzhou-h"))
}
