package replication

import (
	"github.com/colmeia/colmeia/internal/crypto"
	"github.com/colmeia/colmeia/internal/feed"
	"github.com/colmeia/colmeia/internal/wire"
)

// AssembleProof converts the proof fields of a Data message into a feed
// proof. Node order is preserved. A signature of the wrong size becomes nil;
// the feed decides whether the proof needs one.
func AssembleProof(msg *wire.Data) feed.Proof {
	proof := feed.Proof{Index: msg.Index}
	if len(msg.Nodes) > 0 {
		proof.Nodes = make([]feed.Node, len(msg.Nodes))
		for i, n := range msg.Nodes {
			proof.Nodes[i] = feed.Node{Index: n.Index, Hash: n.Hash, Size: n.Size}
		}
	}
	if len(msg.Signature) == crypto.SignatureSize {
		proof.Signature = msg.Signature
	}
	return proof
}

// dataMessage is the inverse of AssembleProof.
func dataMessage(value []byte, proof feed.Proof) *wire.Data {
	msg := &wire.Data{
		Index:     proof.Index,
		Value:     value,
		Signature: proof.Signature,
	}
	if len(proof.Nodes) > 0 {
		msg.Nodes = make([]wire.Node, len(proof.Nodes))
		for i, n := range proof.Nodes {
			msg.Nodes[i] = wire.Node{Index: n.Index, Hash: n.Hash, Size: n.Size}
		}
	}
	return msg
}
