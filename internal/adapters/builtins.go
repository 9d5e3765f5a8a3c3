package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"reflect"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Builtins returns the functions every function adapter ships with, keyed
// by the name a function step uses in params.name.
func Builtins() map[string]Function {
	return map[string]Function{
		"crypto.hash":     cryptoHash,
		"crypto.hmac":     cryptoHMAC,
		"crypto.uuid":     cryptoUUID,
		"assert.equals":   assertEquals,
		"assert.contains": assertContains,
		"assert.matches":  assertMatches,
	}
}

// RegisterBuiltins binds Builtins to a.
func RegisterBuiltins(a *FunctionAdapter) error {
	for name, fn := range Builtins() {
		if err := a.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

func requireArg(fn string, args map[string]any, key string) (any, error) {
	v, ok := args[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s'", fn, key)
	}
	return v, nil
}

func cryptoHash(_ context.Context, args map[string]any) (any, error) {
	data, ok := args["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string")
	}
	algorithm := stringParam(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	h := newHash()
	h.Write([]byte(data))
	return map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoHMAC(_ context.Context, args map[string]any) (any, error) {
	data, ok := args["data"].(string)
	key, keyOK := args["key"].(string)
	if !ok || !keyOK {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' and 'key' strings")
	}
	algorithm := stringParam(args, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": algorithm}, nil
}

func cryptoUUID(context.Context, map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}

// normalizeJSON converts Go numeric types to float64 so values built in Go
// compare equal to values decoded from JSON or YAML.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

// assertionFailed is a terminal step failure.
func assertionFailed(args map[string]any, defaultMsg string, details map[string]any) error {
	return schema.NewError(schema.ErrCodeStepFailed, stringParam(args, "message", defaultMsg)).WithDetails(details)
}

var passed = map[string]any{"pass": true}

func assertEquals(_ context.Context, args map[string]any) (any, error) {
	expected, err := requireArg("assert.equals", args, "expected")
	if err != nil {
		return nil, err
	}
	actual, err := requireArg("assert.equals", args, "actual")
	if err != nil {
		return nil, err
	}
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return passed, nil
	}
	return nil, assertionFailed(args, "assertion failed: values are not equal",
		map[string]any{"expected": expected, "actual": actual})
}

func assertContains(_ context.Context, args map[string]any) (any, error) {
	haystack, err := requireArg("assert.contains", args, "haystack")
	if err != nil {
		return nil, err
	}
	needle, err := requireArg("assert.contains", args, "needle")
	if err != nil {
		return nil, err
	}
	details := map[string]any{"haystack": haystack, "needle": needle}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return passed, nil
		}
	case []any:
		want := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), want) {
				return passed, nil
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
	return nil, assertionFailed(args, "assertion failed: value not found", details)
}

func assertMatches(_ context.Context, args map[string]any) (any, error) {
	value, ok := args["value"].(string)
	pattern, patternOK := args["pattern"].(string)
	if !ok || !patternOK {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' and 'pattern' strings")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}
	if re.MatchString(value) {
		return passed, nil
	}
	return nil, assertionFailed(args, "assertion failed: value does not match pattern",
		map[string]any{"value": value, "pattern": pattern})
}
