package serializer

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/ValentinKolb/dShard/rpc/common"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]common.Message {
	commands := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		commands = append(commands, `{"name":"command-`+strconv.Itoa(i)+`","description":"a command used for benchmarking"}`)
	}

	return map[string]common.Message{
		"Empty": {
			Op: common.OpRespawnAll,
		},
		"IdentifyRequest": {
			Op:   common.OpIdentifyRequest,
			Data: json.RawMessage(`{"shard_id":1234}`),
		},
		"Ready": {
			Op:   common.OpReady,
			Data: json.RawMessage(`{"cluster_id":12,"shard_start":48,"shard_end":51}`),
		},
		"EvalResponse": {
			Op:   common.OpEvalResponse,
			Data: json.RawMessage(`{"result":{"cluster_id":12,"guilds":48211,"uptime":"3 days"}}`),
		},
		"FillCommands": {
			Op:   common.OpFillInteractionCommands,
			Data: json.RawMessage(`{"data":[` + strings.Join(commands, ",") + `]}`),
		},
		"ErrorMessage": {
			Op:  common.OpError,
			Err: "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(msg)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various message types
func BenchmarkDeserialize(b *testing.B) {
	messages := benchmarkMessages()
	serializedData := make(map[string]map[string][]byte)

	// Pre-serialize all messages with all serializers
	for name, factory := range testSerializers {
		serializer := factory()
		serializedData[name] = make(map[string][]byte)

		for msgName, msg := range messages {
			data, err := serializer.Serialize(msg)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", msgName, name, err)
			}
			serializedData[name][msgName] = data
		}
	}

	// Benchmark deserialization
	for name, factory := range testSerializers {
		for msgName := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data := serializedData[name][msgName]
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var msg common.Message
					err := serializer.Deserialize(data, &msg)
					if err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each message type
func BenchmarkSize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		serializer := factory()

		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				// Minimal loop to satisfy benchmark requirements
				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
