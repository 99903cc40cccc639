package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/queue"
)

func TestStaticRegistryGroupsByDomain(t *testing.T) {
	r := NewStaticRegistry()
	r.Add(Endpoint{ID: "be-1", Domain: queue.DomainBackend, Address: "10.0.0.1:9001"})
	r.Add(Endpoint{ID: "be-2", Domain: queue.DomainBackend, Address: "10.0.0.2:9001"})
	r.Add(Endpoint{ID: "fe-1", Domain: queue.DomainFrontend, Address: "10.0.0.3:9001"})

	be, err := r.Endpoints(queue.DomainBackend)
	require.NoError(t, err)
	require.Len(t, be, 2)

	fe, err := r.Endpoints(queue.DomainFrontend)
	require.NoError(t, err)
	require.Len(t, fe, 1)

	qa, err := r.Endpoints(queue.DomainQA)
	require.NoError(t, err)
	require.Empty(t, qa)
}

func TestStaticRegistryEndpointsAreIndependentCopies(t *testing.T) {
	r := NewStaticRegistry()
	r.Add(Endpoint{ID: "be-1", Domain: queue.DomainBackend})

	got, err := r.Endpoints(queue.DomainBackend)
	require.NoError(t, err)
	got[0].ID = "mutated"

	again, err := r.Endpoints(queue.DomainBackend)
	require.NoError(t, err)
	require.Equal(t, "be-1", again[0].ID)
}

func TestServiceNameNamespacesByDomain(t *testing.T) {
	require.Equal(t, "wave-worker-be", serviceName(queue.DomainBackend))
	require.Equal(t, "wave-worker-fe", serviceName(queue.DomainFrontend))
}
