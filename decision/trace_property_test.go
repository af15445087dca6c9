package decision

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/replay"
)

// genCommand draws one of the Trace-eligible Command kinds (spec §3:
// CommandSolveCaptcha is excluded from every persisted Trace) and fills in
// only the fields that kind actually uses, mirroring commandFromCall's
// switch.
func genCommand(t *rapid.T) model.Command {
	kind := rapid.SampledFrom([]model.CommandKind{
		model.CommandNavigate,
		model.CommandSearch,
		model.CommandClick,
		model.CommandType,
		model.CommandTypeAndEnter,
		model.CommandScroll,
		model.CommandBack,
	}).Draw(t, "kind")

	switch kind {
	case model.CommandNavigate:
		return model.Command{Kind: kind, URL: rapid.String().Draw(t, "url")}
	case model.CommandSearch:
		return model.Command{Kind: kind, Query: rapid.String().Draw(t, "query")}
	case model.CommandClick:
		return model.Command{Kind: kind, Identifier: rapid.String().Draw(t, "identifier")}
	case model.CommandType, model.CommandTypeAndEnter:
		return model.Command{
			Kind:        kind,
			Placeholder: rapid.String().Draw(t, "placeholder"),
			Text:        rapid.String().Draw(t, "text"),
		}
	case model.CommandScroll:
		return model.Command{
			Kind:      kind,
			Direction: rapid.SampledFrom([]string{"up", "down"}).Draw(t, "direction"),
			Amount:    rapid.IntRange(-10000, 10000).Draw(t, "amount"),
		}
	default: // CommandBack
		return model.Command{Kind: kind}
	}
}

// TestProperty_TraceCommandRoundTrip covers spec §8's trace/replay
// equivalence property at the unit level: every Command the Decision Loop
// can record survives replay.CallFromCommand -> commandFromCall unchanged,
// so a stored Trace always reproduces the calls that built it.
func TestProperty_TraceCommandRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		original := genCommand(rt)

		call, err := replay.CallFromCommand(original)
		require.NoError(t, err)

		roundTripped, ok := commandFromCall(call)
		require.True(t, ok, "commandFromCall must recognize every tool call replay.CallFromCommand produces")
		require.Equal(t, original, roundTripped)
	})
}
