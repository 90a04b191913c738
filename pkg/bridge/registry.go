package bridge

import (
	"github.com/bft-labs/rttbridge/pkg/log"
	"github.com/bft-labs/rttbridge/pkg/transport"
	"github.com/bft-labs/rttbridge/pkg/transport/cmsisdap"
	"github.com/bft-labs/rttbridge/pkg/transport/process"
	"github.com/bft-labs/rttbridge/pkg/transport/sim"
)

// DefaultRegistry registers every built-in backend. The sim backend is
// attached to board.
func DefaultRegistry(logger log.Logger, board *sim.Board) *transport.Registry {
	r := transport.NewRegistry()
	r.Register(sim.Name, func() transport.Transport {
		return sim.New(board, sim.WithLogger(logger.With(log.String("backend", sim.Name))))
	})
	r.Register(cmsisdap.Name, func() transport.Transport {
		return cmsisdap.New(cmsisdap.WithLogger(logger.With(log.String("backend", cmsisdap.Name))))
	})
	r.Register(process.Name, func() transport.Transport {
		return process.New(process.WithLogger(logger.With(log.String("backend", process.Name))))
	})
	return r
}
