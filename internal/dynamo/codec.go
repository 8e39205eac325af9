package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Numbers travel as DynamoDB N decimal strings. float64 values are formatted
// in shortest form so a value written as 9.99 reads back as exactly 9.99,
// never a binary approximation.

func encodeItem(item Item) (map[string]types.AttributeValue, error) {
	av := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		av[k] = enc
	}
	return av, nil
}

func encodeValue(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case int:
		return &types.AttributeValueMemberN{Value: formatInt(int64(t))}, nil
	case int32:
		return &types.AttributeValueMemberN{Value: formatInt(int64(t))}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: formatInt(t)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: formatFloat(t)}, nil
	case []string:
		list := make([]types.AttributeValue, 0, len(t))
		for _, s := range t {
			list = append(list, &types.AttributeValueMemberS{Value: s})
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case []any:
		list := make([]types.AttributeValue, 0, len(t))
		for _, e := range t {
			enc, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			list = append(list, enc)
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case Item:
		return encodeMap(t)
	case map[string]any:
		return encodeMap(t)
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}

func encodeMap(m map[string]any) (types.AttributeValue, error) {
	enc, err := encodeItem(Item(m))
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberM{Value: enc}, nil
}

func decodeItem(av map[string]types.AttributeValue) (Item, error) {
	item := make(Item, len(av))
	for k, v := range av {
		dec, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		item[k] = dec
	}
	return item, nil
}

func decodeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberS:
		return t.Value, nil
	case *types.AttributeValueMemberBOOL:
		return t.Value, nil
	case *types.AttributeValueMemberN:
		return parseNumber(t.Value)
	case *types.AttributeValueMemberL:
		list := make([]any, 0, len(t.Value))
		for _, e := range t.Value {
			dec, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			list = append(list, dec)
		}
		return list, nil
	case *types.AttributeValueMemberM:
		item, err := decodeItem(t.Value)
		if err != nil {
			return nil, err
		}
		return map[string]any(item), nil
	case *types.AttributeValueMemberSS:
		return append([]string(nil), t.Value...), nil
	default:
		return nil, fmt.Errorf("unsupported attribute value %T", av)
	}
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// parseNumber keeps integers as int64 and everything else as float64. An N
// string without a fraction or exponent that overflows int64 falls back to
// float64.
func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}
