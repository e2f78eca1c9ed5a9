package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrIncomparable is returned for shard-key values the comparator does not
// know how to order.
var ErrIncomparable = errors.New("incomparable shard key value")

// Canonical BSON type order used by the server when comparing values.
const (
	rankMinKey = iota + 1
	rankNull
	rankNumber
	rankString
	rankObject
	rankArray
	rankBinary
	rankObjectID
	rankBool
	rankDate
	rankTimestamp
	rankRegex
	rankMaxKey = 127
)

// CompareBounds orders two shard-key documents the way the server orders
// chunk bounds. It returns -1, 0 or +1.
func CompareBounds(a, b Bound) (int, error) {
	return compareDocuments(bson.D(a), bson.D(b))
}

// CompareValues orders two decoded BSON values in canonical type order.
func CompareValues(a, b interface{}) (int, error) {
	ra, err := typeRank(a)
	if err != nil {
		return 0, err
	}
	rb, err := typeRank(b)
	if err != nil {
		return 0, err
	}
	if ra != rb {
		return sign(ra - rb), nil
	}

	switch ra {
	case rankMinKey, rankMaxKey, rankNull:
		return 0, nil
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return strings.Compare(stringValue(a), stringValue(b)), nil
	case rankObject:
		return compareDocuments(a.(bson.D), b.(bson.D))
	case rankArray:
		return compareArrays(arrayValue(a), arrayValue(b))
	case rankBinary:
		return compareBinary(binaryValue(a), binaryValue(b)), nil
	case rankObjectID:
		ida, idb := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(ida[:], idb[:]), nil
	case rankBool:
		return compareBools(a.(bool), b.(bool)), nil
	case rankDate:
		return compareInt64(dateValue(a), dateValue(b)), nil
	case rankTimestamp:
		ta, tb := a.(primitive.Timestamp), b.(primitive.Timestamp)
		if c := compareInt64(int64(ta.T), int64(tb.T)); c != 0 {
			return c, nil
		}
		return compareInt64(int64(ta.I), int64(tb.I)), nil
	case rankRegex:
		xa, xb := a.(primitive.Regex), b.(primitive.Regex)
		if c := strings.Compare(xa.Pattern, xb.Pattern); c != 0 {
			return c, nil
		}
		return strings.Compare(xa.Options, xb.Options), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrIncomparable, a)
}

func typeRank(v interface{}) (int, error) {
	switch v.(type) {
	case primitive.MinKey:
		return rankMinKey, nil
	case nil, primitive.Null, primitive.Undefined:
		return rankNull, nil
	case int, int32, int64, float32, float64, primitive.Decimal128:
		return rankNumber, nil
	case string, primitive.Symbol:
		return rankString, nil
	case bson.D:
		return rankObject, nil
	case bson.A, []interface{}:
		return rankArray, nil
	case primitive.Binary, []byte:
		return rankBinary, nil
	case primitive.ObjectID:
		return rankObjectID, nil
	case bool:
		return rankBool, nil
	case primitive.DateTime, time.Time:
		return rankDate, nil
	case primitive.Timestamp:
		return rankTimestamp, nil
	case primitive.Regex:
		return rankRegex, nil
	case primitive.MaxKey:
		return rankMaxKey, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrIncomparable, v)
}

// compareDocuments compares element by element: value type, then field
// name, then value. A prefix sorts first.
func compareDocuments(a, b bson.D) (int, error) {
	for i := 0; i < len(a) && i < len(b); i++ {
		ra, err := typeRank(a[i].Value)
		if err != nil {
			return 0, err
		}
		rb, err := typeRank(b[i].Value)
		if err != nil {
			return 0, err
		}
		if ra != rb {
			return sign(ra - rb), nil
		}
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c, nil
		}
		c, err := CompareValues(a[i].Value, b[i].Value)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	return sign(len(a) - len(b)), nil
}

func compareArrays(a, b []interface{}) (int, error) {
	for i := 0; i < len(a) && i < len(b); i++ {
		c, err := CompareValues(a[i], b[i])
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	return sign(len(a) - len(b)), nil
}

// compareNumbers compares across numeric types. NaN sorts below every
// other number.
func compareNumbers(a, b interface{}) (int, error) {
	fa, nanA, err := numberValue(a)
	if err != nil {
		return 0, err
	}
	fb, nanB, err := numberValue(b)
	if err != nil {
		return 0, err
	}
	switch {
	case nanA && nanB:
		return 0, nil
	case nanA:
		return -1, nil
	case nanB:
		return 1, nil
	}
	return fa.Cmp(fb), nil
}

func numberValue(v interface{}) (*big.Float, bool, error) {
	f := new(big.Float).SetPrec(128)
	switch n := v.(type) {
	case int:
		return f.SetInt64(int64(n)), false, nil
	case int32:
		return f.SetInt64(int64(n)), false, nil
	case int64:
		return f.SetInt64(n), false, nil
	case float32:
		return floatValue(f, float64(n))
	case float64:
		return floatValue(f, n)
	case primitive.Decimal128:
		s := n.String()
		switch s {
		case "NaN", "-NaN":
			return nil, true, nil
		case "Infinity":
			return f.SetInf(false), false, nil
		case "-Infinity":
			return f.SetInf(true), false, nil
		}
		if _, ok := f.SetString(s); !ok {
			return nil, false, fmt.Errorf("%w: decimal %s", ErrIncomparable, s)
		}
		return f, false, nil
	}
	return nil, false, fmt.Errorf("%w: %T", ErrIncomparable, v)
}

func floatValue(f *big.Float, v float64) (*big.Float, bool, error) {
	if math.IsNaN(v) {
		return nil, true, nil
	}
	return f.SetFloat64(v), false, nil
}

func stringValue(v interface{}) string {
	if s, ok := v.(primitive.Symbol); ok {
		return string(s)
	}
	return v.(string)
}

func arrayValue(v interface{}) []interface{} {
	if a, ok := v.(bson.A); ok {
		return a
	}
	return v.([]interface{})
}

func binaryValue(v interface{}) primitive.Binary {
	if b, ok := v.([]byte); ok {
		return primitive.Binary{Data: b}
	}
	return v.(primitive.Binary)
}

// compareBinary orders by length, then subtype, then bytes.
func compareBinary(a, b primitive.Binary) int {
	if c := sign(len(a.Data) - len(b.Data)); c != 0 {
		return c
	}
	if c := sign(int(a.Subtype) - int(b.Subtype)); c != 0 {
		return c
	}
	return bytes.Compare(a.Data, b.Data)
}

func dateValue(v interface{}) int64 {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return int64(v.(primitive.DateTime))
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
