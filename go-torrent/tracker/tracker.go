package tracker

import (
	"math/rand"

	"github.com/Charana123/torrent-sim/go-torrent/wire"
	mapset "github.com/deckarep/golang-set"
)

// SamplePeerSet answers a peer set request from requester. When at most
// size peers are known all of them are returned, requester excluded;
// otherwise size distinct peers are drawn uniformly at random.
func SamplePeerSet(known []wire.PeerID, requester wire.PeerID, size int, rng *rand.Rand) []wire.PeerID {
	others := make([]wire.PeerID, 0, len(known))
	for _, id := range known {
		if id != requester {
			others = append(others, id)
		}
	}
	if len(known) <= size || len(others) <= size {
		return others
	}

	chosen := mapset.NewSet()
	peers := make([]wire.PeerID, 0, size)
	for len(peers) < size {
		id := known[rng.Intn(len(known))]
		if id == requester || chosen.Contains(id) {
			continue
		}
		chosen.Add(id)
		peers = append(peers, id)
	}
	return peers
}
