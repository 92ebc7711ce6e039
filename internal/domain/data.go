package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DataType — тип значения канала.
type DataType string

const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeFile    DataType = "file"
)

// Ошибки значений.
var (
	// ErrUnknownDataType — тип не входит в поддерживаемый набор.
	ErrUnknownDataType = errors.New("unknown data type")

	// ErrInvalidValue — значение не соответствует типу.
	ErrInvalidValue = errors.New("invalid value for data type")
)

// ParseDataType проверяет и возвращает DataType.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeFile:
		return DataType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
	}
}

// FileRef — ссылка на файл. Содержимое файлов ядро не хранит.
type FileRef struct {
	Filename string `json:"filename" mapstructure:"filename"`

	// Hash — хэш содержимого в формате "<алгоритм>$<hex>".
	Hash string `json:"hash" mapstructure:"hash"`

	URL string `json:"url,omitempty" mapstructure:"url"`
}

// DataObject — типизированное неизменяемое значение.
//
// Value содержит ровно один из вариантов в зависимости от Type:
// string, int64, float64, bool или FileRef.
// Fingerprint вычисляется из типа и значения, для файлов — из хэша содержимого.
type DataObject struct {
	Type        DataType
	Value       any
	Fingerprint string
}

// NewDataObject создаёт значение типа t из произвольного входа
// (JSON-значение, строка из stdout воркера, значение по умолчанию шаблона).
func NewDataObject(t DataType, raw any) (DataObject, error) {
	var (
		v   any
		err error
	)

	switch t {
	case TypeString:
		v, err = toString(raw)
	case TypeInteger:
		v, err = toInteger(raw)
	case TypeFloat:
		v, err = toFloat(raw)
	case TypeBoolean:
		v, err = toBoolean(raw)
	case TypeFile:
		v, err = toFile(raw)
	default:
		return DataObject{}, fmt.Errorf("%w: %q", ErrUnknownDataType, t)
	}
	if err != nil {
		return DataObject{}, err
	}

	obj := DataObject{Type: t, Value: v}
	obj.Fingerprint = obj.computeFingerprint()
	return obj, nil
}

// StringValue создаёт строковое значение.
func StringValue(s string) DataObject {
	obj, _ := NewDataObject(TypeString, s)
	return obj
}

// IntegerValue создаёт целочисленное значение.
func IntegerValue(i int64) DataObject {
	obj, _ := NewDataObject(TypeInteger, i)
	return obj
}

// FloatValue создаёт значение с плавающей точкой.
func FloatValue(f float64) DataObject {
	obj, _ := NewDataObject(TypeFloat, f)
	return obj
}

// BooleanValue создаёт логическое значение.
func BooleanValue(b bool) DataObject {
	obj, _ := NewDataObject(TypeBoolean, b)
	return obj
}

// FileValue создаёт ссылку на файл.
func FileValue(ref FileRef) (DataObject, error) {
	return NewDataObject(TypeFile, ref)
}

// Validate проверяет, что Value соответствует Type и отпечаток актуален.
func (o DataObject) Validate() error {
	check, err := NewDataObject(o.Type, o.Value)
	if err != nil {
		return err
	}
	if o.Fingerprint != "" && o.Fingerprint != check.Fingerprint {
		return fmt.Errorf("%w: fingerprint mismatch", ErrInvalidValue)
	}
	return nil
}

// Equal сравнивает значения по отпечатку.
func (o DataObject) Equal(other DataObject) bool {
	return o.Type == other.Type && o.Fingerprint == other.Fingerprint
}

// String возвращает текстовое представление для подстановки в команду.
func (o DataObject) String() string {
	switch v := o.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case FileRef:
		return v.Filename
	default:
		return ""
	}
}

// Native возвращает значение в виде, пригодном для JSON-ответов.
func (o DataObject) Native() any {
	return o.Value
}

func (o DataObject) computeFingerprint() string {
	var payload string
	if ref, ok := o.Value.(FileRef); ok {
		payload = ref.Hash
	} else {
		payload = o.String()
	}
	sum := sha256.Sum256([]byte(string(o.Type) + "\x00" + payload))
	return hex.EncodeToString(sum[:])
}

type dataObjectJSON struct {
	Type        DataType        `json:"type"`
	Value       json.RawMessage `json:"value"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// MarshalJSON реализует json.Marshaler.
func (o DataObject) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(o.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dataObjectJSON{Type: o.Type, Value: value, Fingerprint: o.Fingerprint})
}

// UnmarshalJSON восстанавливает вариант по полю type.
func (o *DataObject) UnmarshalJSON(b []byte) error {
	var raw dataObjectJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode %s value: %w", raw.Type, err)
	}

	obj, err := NewDataObject(raw.Type, v)
	if err != nil {
		return err
	}
	*o = obj
	return nil
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case fmt.Stringer:
		return v.String(), nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("%w: string from %T", ErrInvalidValue, raw)
	}
}

func toInteger(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: integer from %v", ErrInvalidValue, v)
		}
		return int64(v), nil
	case json.Number:
		return parseInteger(v.String())
	case string:
		return parseInteger(v)
	default:
		return 0, fmt.Errorf("%w: integer from %T", ErrInvalidValue, raw)
	}
}

func parseInteger(s string) (int64, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: integer %q", ErrInvalidValue, s)
	}
	return i, nil
}

func toFloat(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: float %q", ErrInvalidValue, v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: float %q", ErrInvalidValue, v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: float from %T", ErrInvalidValue, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: float %v", ErrInvalidValue, f)
	}
	return f, nil
}

func toBoolean(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("%w: boolean %q", ErrInvalidValue, v)
	default:
		return false, fmt.Errorf("%w: boolean from %T", ErrInvalidValue, raw)
	}
}

func toFile(raw any) (FileRef, error) {
	var ref FileRef
	switch v := raw.(type) {
	case FileRef:
		ref = v
	case *FileRef:
		if v == nil {
			return FileRef{}, fmt.Errorf("%w: nil file", ErrInvalidValue)
		}
		ref = *v
	case map[string]any:
		if err := mapstructure.Decode(v, &ref); err != nil {
			return FileRef{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	default:
		return FileRef{}, fmt.Errorf("%w: file from %T", ErrInvalidValue, raw)
	}

	if ref.Filename == "" {
		return FileRef{}, fmt.Errorf("%w: file without filename", ErrInvalidValue)
	}
	algo, sum, ok := strings.Cut(ref.Hash, "$")
	if !ok || algo == "" || sum == "" {
		return FileRef{}, fmt.Errorf("%w: file hash must be <algorithm>$<value>", ErrInvalidValue)
	}
	return ref, nil
}
