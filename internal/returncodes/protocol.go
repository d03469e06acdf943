package returncodes

import (
	"context"
	"strings"

	"github.com/roach88/quorum/internal/completion"
	"github.com/roach88/quorum/internal/protocol"
)

// Entries returns the registry entries of this package. Callbacks hand the
// outcome to bridge.
func Entries(bridge *completion.Bridge) []protocol.Entry {
	return []protocol.Entry{
		protocol.Define(protocol.Definition[PartialChoiceCodesRequest, PartialChoiceCodesResponse]{
			Broadcast: true,
			Aggregate: true,
			ContextID: func(r PartialChoiceCodesRequest) string {
				return contextKey(r.ElectionEventID, r.VerificationCardID)
			},
			NodeID: func(r PartialChoiceCodesResponse) protocol.NodeID {
				return protocol.NodeID(r.NodeID)
			},
			OnComplete: func(ctx context.Context, correlationID string, rs []PartialChoiceCodesResponse) error {
				codes, err := combineChoiceCodes(rs)
				return bridge.Notify(ctx, correlationID, codes, err)
			},
		}),
		protocol.Define(protocol.Definition[MixDecryptRequest, MixDecryptResponse]{
			ContextID: func(r MixDecryptRequest) string {
				return contextKey(r.ElectionEventID, r.BallotBoxID, protocol.NodeID(r.NodeID).String())
			},
			NodeID: func(r MixDecryptResponse) protocol.NodeID {
				return protocol.NodeID(r.NodeID)
			},
			OnComplete: func(ctx context.Context, correlationID string, rs []MixDecryptResponse) error {
				r := rs[0]
				return bridge.Notify(ctx, correlationID, MixDecryptResult{
					NodeID:      protocol.NodeID(r.NodeID),
					BallotBoxID: r.BallotBoxID,
					Ciphertexts: r.Ciphertexts,
					Proof:       r.Proof,
				}, nil)
			},
		}),
	}
}

// combineChoiceCodes checks that every node answered for the same card and
// the same number of choices.
func combineChoiceCodes(rs []PartialChoiceCodesResponse) (ChoiceCodes, error) {
	if len(rs) == 0 {
		return ChoiceCodes{}, completion.NewFailure(completion.KindProtocolViolation, "no partial choice codes")
	}

	first := rs[0]
	codes := ChoiceCodes{
		VerificationCardID: first.VerificationCardID,
		Partials:           make([][]string, len(rs)),
	}
	for i, r := range rs {
		if r.VerificationCardID != first.VerificationCardID {
			return ChoiceCodes{}, completion.NewFailure(completion.KindProtocolViolation,
				"node %d answered for card %s, node %d for card %s",
				first.NodeID, first.VerificationCardID, r.NodeID, r.VerificationCardID)
		}
		if len(r.PartialCodes) != len(first.PartialCodes) {
			return ChoiceCodes{}, completion.NewFailure(completion.KindProtocolViolation,
				"node %d returned %d codes, node %d returned %d",
				first.NodeID, len(first.PartialCodes), r.NodeID, len(r.PartialCodes))
		}
		codes.Partials[i] = r.PartialCodes
	}
	return codes, nil
}

func contextKey(parts ...string) string {
	return strings.Join(parts, "/")
}
