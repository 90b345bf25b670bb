package serializer

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dShard/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages(t *testing.T) []common.Message {
	mustMessage := func(p common.Payload) common.Message {
		msg, err := common.NewMessage(p)
		if err != nil {
			t.Fatalf("failed to build message: %v", err)
		}
		return *msg
	}

	return []common.Message{
		// Notification without data
		mustMessage(&common.RespawnAll{}),

		// Notification with data
		mustMessage(&common.Ready{ClusterID: 3, ShardStart: 12, ShardEnd: 15}),

		// Request
		mustMessage(&common.EvalRequest{Code: "cluster.info", Args: json.RawMessage(`{"verbose":true}`)}),

		// Reply carrying an error
		mustMessage(&common.EvalResponse{Error: &common.SerializedError{Name: "Error", Message: "boom", Stack: "at x\nat y"}}),

		// Error reply
		*common.NewErrorMessage("test error message"),
	}
}

// sameMessage compares two messages, treating nil and empty data alike
func sameMessage(a, b common.Message) bool {
	return a.Op == b.Op && a.Err == b.Err && bytes.Equal(a.Data, b.Data)
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages(t)

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !sameMessage(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}

				// The payload must survive as well
				if msg.Op != common.OpError {
					if _, err := result.Decode(); err != nil {
						t.Errorf("Message %d payload broken after round trip: %v", i, err)
					}
				}
			}
		})
	}
}

// TestDeserializeResetsMessage makes sure a reused message does not keep stale fields
func TestDeserializeResetsMessage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			data, err := serializer.Serialize(common.Message{Op: common.OpRespawnAll})
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			result := common.Message{Op: common.OpError, Err: "stale", Data: []byte(`{}`)}
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}
			if result.Err != "" || len(result.Data) != 0 || result.Op != common.OpRespawnAll {
				t.Errorf("stale fields kept: %+v", result)
			}
		})
	}
}

// TestJSONEnvelope checks the wire shape of the default serializer
func TestJSONEnvelope(t *testing.T) {
	msg, err := common.NewMessage(&common.IdentifyRequest{ShardID: 5})
	if err != nil {
		t.Fatal(err)
	}
	data, err := NewJSONSerializer().Serialize(*msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"op":4,"d":{"shard_id":5}}` {
		t.Errorf("unexpected envelope %s", data)
	}

	var result common.Message
	if err := NewJSONSerializer().Deserialize([]byte(`{"op":4,"x":1}`), &result); err == nil {
		t.Error("expected unknown fields to be rejected")
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1}, // Only op, no flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0}, // Op 1, no flags
			expectError: false,
		},
		{
			name:        "Unknown flag",
			data:        []byte{1, 1 << 5},
			expectError: true,
		},
		{
			name:        "Invalid length for data",
			data:        []byte{1, 1, 0, 0, 0, 5, '{', '}'}, // Claims length 5 but only 2 bytes provided
			expectError: true,
		},
		{
			name:        "Missing error length",
			data:        []byte{0xff, 2, 0, 0},
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        []byte{1, 0, 9},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "binary", "gob", ""} {
		if _, err := ByName(name); err != nil {
			t.Errorf("%q: unexpected error %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Error("expected error for unknown serializer")
	}
}
