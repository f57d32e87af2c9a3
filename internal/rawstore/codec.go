package rawstore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

// encode serializes events with msgpack and compresses the result with
// zstd, matching the ~7-10x ratio §4.1 asks for on typical JSON-shaped
// payloads (msgpack's binary framing plus zstd's dictionary both help
// beyond what gzip-over-JSON alone would give).
func encode(events []telemetry.Event) ([]byte, error) {
	raw, err := msgpack.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("new zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// decode reverses encode. CodecVersion dispatch lives here so a future
// codec can be added without touching callers.
func decode(version CodecVersion, blob []byte) ([]telemetry.Event, error) {
	switch version {
	case CodecMsgpackZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("new zstd decoder: %w", err)
		}
		defer dec.Close()

		raw, err := dec.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}

		var events []telemetry.Event
		if err := msgpack.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		return events, nil
	default:
		return nil, fmt.Errorf("unsupported codec_version %d", version)
	}
}
