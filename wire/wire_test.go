package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodecg-tmp/nodecg-tmp/op"
	"github.com/nodecg-tmp/nodecg-tmp/wire"
)

func TestRoomNamesNamespace(t *testing.T) {
	assert.Equal(t, "replicant:scores", wire.Room("scores"))
}

func TestProposeOperationsRequestRoundTrips(t *testing.T) {
	req := wire.ProposeOperationsRequest{
		Name:      "score",
		Namespace: "game",
		Operations: []op.Operation{
			{Path: "/", Method: op.Update, Args: op.ArgsUpdate{Prop: "value", NewValue: float64(1)}},
		},
		Revision:  3,
		SchemaSum: "abc123",
	}

	raw, err := json.Marshal(req)
	assert.NoError(t, err)

	var decoded wire.ProposeOperationsRequest
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, req.Name, decoded.Name)
	assert.Equal(t, req.Revision, decoded.Revision)
	assert.Len(t, decoded.Operations, 1)
	assert.Equal(t, op.Update, decoded.Operations[0].Method)
}

func TestProposeOperationsReplyCarriesRejectReason(t *testing.T) {
	reply := wire.ProposeOperationsReply{
		Value:        map[string]any{"value": float64(0)},
		Revision:     1,
		RejectReason: wire.RejectRevisionMismatch,
	}
	assert.Equal(t, "revision-mismatch", reply.RejectReason)
}
