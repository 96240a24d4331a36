package registry

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/require"
)

func TestTrimLeadingSlash(t *testing.T) {
	require.Equal(t, "web", trimLeadingSlash("/web"))
	require.Equal(t, "web", trimLeadingSlash("web"))
	require.Equal(t, "", trimLeadingSlash(""))
}

func TestToDescriptorDerivesServiceFromLabelOrName(t *testing.T) {
	r := &Registry{}

	withLabel := types.Container{
		ID:     "c1",
		Names:  []string{"/checkout"},
		State:  "running",
		Labels: map[string]string{serviceLabel: "checkout-service"},
	}
	desc := r.toDescriptor(withLabel)
	require.Equal(t, "checkout", desc.Name)
	require.Equal(t, "checkout-service", desc.Service)
	require.Equal(t, "running", string(desc.Status))

	withoutLabel := types.Container{
		ID:    "c2",
		Names: []string{"/billing"},
		State: "exited",
	}
	desc2 := r.toDescriptor(withoutLabel)
	require.Equal(t, "billing", desc2.Service)
	require.Equal(t, "exited", string(desc2.Status))
}
