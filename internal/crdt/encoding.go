package crdt

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Update layout:
//
//	1: repeated Item   {1 client, 2 clock, 3 lamport, 4 origin client, 5 origin clock, 6 has origin, 7 rune}
//	2: repeated Delete {1 client, 2 start clock, 3 length}
//
// State vector layout:
//
//	1: repeated Entry  {1 client, 2 next clock}
const (
	fieldUpdateItem   protowire.Number = 1
	fieldUpdateDelete protowire.Number = 2

	fieldItemClient       protowire.Number = 1
	fieldItemClock        protowire.Number = 2
	fieldItemLamport      protowire.Number = 3
	fieldItemOriginClient protowire.Number = 4
	fieldItemOriginClock  protowire.Number = 5
	fieldItemHasOrigin    protowire.Number = 6
	fieldItemContent      protowire.Number = 7

	fieldDeleteClient protowire.Number = 1
	fieldDeleteStart  protowire.Number = 2
	fieldDeleteLength protowire.Number = 3

	fieldVectorEntry  protowire.Number = 1
	fieldVectorClient protowire.Number = 1
	fieldVectorClock  protowire.Number = 2
)

type deleteRange struct {
	client uint64
	start  uint64
	length uint64
}

type decodedUpdate struct {
	items   []*item
	deletes []deleteRange
}

// encodeUpdate writes items sorted by (client, clock) and delete ranges sorted by client so
// equal states always encode to equal bytes.
func encodeUpdate(items []*item, deletes deleteSet) []byte {
	sorted := make([]*item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].id.Client != sorted[j].id.Client {
			return sorted[i].id.Client < sorted[j].id.Client
		}
		return sorted[i].id.Clock < sorted[j].id.Clock
	})

	var output []byte
	for _, current := range sorted {
		var body []byte
		body = appendVarintField(body, fieldItemClient, current.id.Client)
		body = appendVarintField(body, fieldItemClock, current.id.Clock)
		body = appendVarintField(body, fieldItemLamport, current.lamport)
		if current.hasOrigin {
			body = appendVarintField(body, fieldItemOriginClient, current.origin.Client)
			body = appendVarintField(body, fieldItemOriginClock, current.origin.Clock)
			body = appendVarintField(body, fieldItemHasOrigin, 1)
		}
		body = appendVarintField(body, fieldItemContent, uint64(current.content))
		output = protowire.AppendTag(output, fieldUpdateItem, protowire.BytesType)
		output = protowire.AppendBytes(output, body)
	}

	clients := make([]uint64, 0, len(deletes))
	for client := range deletes {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	for _, client := range clients {
		for _, current := range deletes[client] {
			var body []byte
			body = appendVarintField(body, fieldDeleteClient, client)
			body = appendVarintField(body, fieldDeleteStart, current.start)
			body = appendVarintField(body, fieldDeleteLength, current.end-current.start)
			output = protowire.AppendTag(output, fieldUpdateDelete, protowire.BytesType)
			output = protowire.AppendBytes(output, body)
		}
	}
	return output
}

func decodeUpdate(data []byte) (decodedUpdate, error) {
	var result decodedUpdate
	err := consumeMessage(data, func(number protowire.Number, value []byte) error {
		switch number {
		case fieldUpdateItem:
			decoded, err := decodeItem(value)
			if err != nil {
				return err
			}
			result.items = append(result.items, decoded)
		case fieldUpdateDelete:
			decoded, err := decodeDelete(value)
			if err != nil {
				return err
			}
			result.deletes = append(result.deletes, decoded)
		default:
			return fmt.Errorf("%w: unexpected field %d", ErrMalformedUpdate, number)
		}
		return nil
	})
	if err != nil {
		return decodedUpdate{}, err
	}
	return result, nil
}

func decodeItem(data []byte) (*item, error) {
	decoded := &item{}
	var hasContent bool
	err := consumeVarints(data, func(number protowire.Number, value uint64) error {
		switch number {
		case fieldItemClient:
			decoded.id.Client = value
		case fieldItemClock:
			decoded.id.Clock = value
		case fieldItemLamport:
			decoded.lamport = value
		case fieldItemOriginClient:
			decoded.origin.Client = value
		case fieldItemOriginClock:
			decoded.origin.Clock = value
		case fieldItemHasOrigin:
			decoded.hasOrigin = value != 0
		case fieldItemContent:
			if value > utf8.MaxRune || !utf8.ValidRune(rune(value)) {
				return fmt.Errorf("%w: invalid rune %d", ErrMalformedUpdate, value)
			}
			decoded.content = rune(value)
			hasContent = true
		default:
			return fmt.Errorf("%w: unexpected item field %d", ErrMalformedUpdate, number)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasContent {
		return nil, fmt.Errorf("%w: item without content", ErrMalformedUpdate)
	}
	if decoded.lamport == 0 {
		return nil, fmt.Errorf("%w: item without lamport clock", ErrMalformedUpdate)
	}
	if decoded.hasOrigin && decoded.origin == decoded.id {
		return nil, fmt.Errorf("%w: item is its own origin", ErrMalformedUpdate)
	}
	return decoded, nil
}

func decodeDelete(data []byte) (deleteRange, error) {
	var decoded deleteRange
	err := consumeVarints(data, func(number protowire.Number, value uint64) error {
		switch number {
		case fieldDeleteClient:
			decoded.client = value
		case fieldDeleteStart:
			decoded.start = value
		case fieldDeleteLength:
			decoded.length = value
		default:
			return fmt.Errorf("%w: unexpected delete field %d", ErrMalformedUpdate, number)
		}
		return nil
	})
	if err != nil {
		return deleteRange{}, err
	}
	if decoded.length == 0 || decoded.start+decoded.length < decoded.start {
		return deleteRange{}, fmt.Errorf("%w: invalid delete range", ErrMalformedUpdate)
	}
	return decoded, nil
}

func encodeStateVector(clocks map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(clocks))
	for client, clock := range clocks {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	var output []byte
	for _, client := range clients {
		var body []byte
		body = appendVarintField(body, fieldVectorClient, client)
		body = appendVarintField(body, fieldVectorClock, clocks[client])
		output = protowire.AppendTag(output, fieldVectorEntry, protowire.BytesType)
		output = protowire.AppendBytes(output, body)
	}
	return output
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	clocks := make(map[uint64]uint64)
	err := consumeMessage(data, func(number protowire.Number, value []byte) error {
		if number != fieldVectorEntry {
			return fmt.Errorf("%w: unexpected vector field %d", ErrMalformedUpdate, number)
		}
		var client, clock uint64
		err := consumeVarints(value, func(entryNumber protowire.Number, entryValue uint64) error {
			switch entryNumber {
			case fieldVectorClient:
				client = entryValue
			case fieldVectorClock:
				clock = entryValue
			default:
				return fmt.Errorf("%w: unexpected vector entry field %d", ErrMalformedUpdate, entryNumber)
			}
			return nil
		})
		if err != nil {
			return err
		}
		clocks[client] = clock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clocks, nil
}

// DecodeStateVector parses a state vector into next-expected clocks per client.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	return decodeStateVector(data)
}

func appendVarintField(buffer []byte, number protowire.Number, value uint64) []byte {
	buffer = protowire.AppendTag(buffer, number, protowire.VarintType)
	return protowire.AppendVarint(buffer, value)
}

func consumeMessage(data []byte, visit func(protowire.Number, []byte) error) error {
	for len(data) > 0 {
		number, wireType, tagLength := protowire.ConsumeTag(data)
		if tagLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(tagLength))
		}
		if wireType != protowire.BytesType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedUpdate, number, wireType)
		}
		data = data[tagLength:]
		value, valueLength := protowire.ConsumeBytes(data)
		if valueLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(valueLength))
		}
		data = data[valueLength:]
		if err := visit(number, value); err != nil {
			return err
		}
	}
	return nil
}

func consumeVarints(data []byte, visit func(protowire.Number, uint64) error) error {
	for len(data) > 0 {
		number, wireType, tagLength := protowire.ConsumeTag(data)
		if tagLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(tagLength))
		}
		if wireType != protowire.VarintType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedUpdate, number, wireType)
		}
		data = data[tagLength:]
		value, valueLength := protowire.ConsumeVarint(data)
		if valueLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedUpdate, protowire.ParseError(valueLength))
		}
		data = data[valueLength:]
		if err := visit(number, value); err != nil {
			return err
		}
	}
	return nil
}
