package docstore

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

var gzipMagic = []byte{0x1f, 0x8b}

// encodeSnapshot writes records to w in the given codec, gzipped if compress.
func encodeSnapshot(w io.Writer, records map[string]Value, codec Codec, compress bool) error {
	if !compress {
		return encodeRecords(w, records, codec)
	}

	gz := gzip.NewWriter(w)

	err := encodeRecords(gz, records, codec)
	if err != nil {
		return errors.Join(err, gz.Close())
	}

	return gz.Close()
}

func encodeRecords(w io.Writer, records map[string]Value, codec Codec) error {
	switch codec {
	case CodecMsgpack:
		enc := msgpack.NewEncoder(w)
		enc.SetSortMapKeys(true)

		plain := make(map[string]any, len(records))
		for k, v := range records {
			plain[k] = v.ToAny()
		}

		err := enc.Encode(plain)
		if err != nil {
			return fmt.Errorf("encode msgpack: %w", err)
		}

		return nil
	default:
		keys := make([]string, 0, len(records))
		for k := range records {
			keys = append(keys, k)
		}

		slices.Sort(keys)

		compact := []byte{'{'}

		for i, k := range keys {
			if i > 0 {
				compact = append(compact, ',')
			}

			compact = appendQuoted(compact, k)
			compact = append(compact, ':')
			compact = records[k].AppendCanonical(compact)
		}

		compact = append(compact, '}')

		var out bytes.Buffer

		err := json.Indent(&out, compact, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}

		out.WriteByte('\n')

		_, err = out.WriteTo(w)

		return err
	}
}

// decodeSnapshot reads a snapshot written by encodeSnapshot. Gzip and the
// codec are both detected from the content, not configuration, so a store
// reopened with different settings still loads. Content that does not decode
// to an object yields [ErrCorrupted]; read errors are returned as they are.
func decodeSnapshot(r io.Reader) (map[string]Value, error) {
	br := bufio.NewReader(r)

	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var src io.Reader = br

	if bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %w", ErrCorrupted, err)
		}

		defer func() { _ = gz.Close() }()

		src = gz
	}

	data, err := io.ReadAll(src)
	if err != nil {
		if isCorruptStream(err) {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}

		return nil, err
	}

	var root Value

	switch detectCodec(data) {
	case CodecMsgpack:
		root, err = decodeMsgpack(data)
	default:
		root, err = decodeJSON(data)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	if root.Kind() != KindObject {
		return nil, fmt.Errorf("%w: top-level value is %s, not object", ErrCorrupted, root.Kind())
	}

	return root.obj, nil
}

// isCorruptStream reports whether a read error comes from the gzip stream
// itself rather than the underlying file or a deadline.
func isCorruptStream(err error) bool {
	var flateErr flate.CorruptInputError

	return errors.As(err, &flateErr) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// detectCodec picks the codec from the first significant byte: a msgpack map
// header means msgpack, anything else is handed to the JSON decoder.
func detectCodec(data []byte) Codec {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return CodecJSON
	}

	switch b := trimmed[0]; {
	case b >= 0x80 && b <= 0x8f, b == 0xde, b == 0xdf:
		return CodecMsgpack
	default:
		return CodecJSON
	}
}

func decodeMsgpack(data []byte) (Value, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	raw, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return Value{}, err
	}

	return FromAny(raw)
}
