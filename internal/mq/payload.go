package mq

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// ErrMalformed — сообщение не разбирается; повторная доставка не поможет.
var ErrMalformed = errors.New("malformed message")

var (
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// ParsePayload декодирует payload сообщения в тип T.
//
// После json.Unmarshal payload приходит как map[string]any. Поля
// раскладываются по json-тегам; типы со своим UnmarshalJSON
// (время, значения данных) или UnmarshalText (uuid) декодируются ими.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: unmarshalerHook,
		Result:     &result,
		TagName:    "json",
	})
	if err != nil {
		return result, fmt.Errorf("payload decoder: %w", err)
	}

	if err := dec.Decode(msg.Payload); err != nil {
		return result, fmt.Errorf("%w: decode %s payload: %v", ErrMalformed, msg.Type, err)
	}
	return result, nil
}

// unmarshalerHook передаёт значение собственному декодеру типа.
func unmarshalerHook(from, to reflect.Type, data any) (any, error) {
	if data == nil || from == to {
		return data, nil
	}
	ptr := reflect.PointerTo(to)

	if s, ok := data.(string); ok && ptr.Implements(textUnmarshalerType) {
		v := reflect.New(to)
		if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
			return nil, err
		}
		return v.Elem().Interface(), nil
	}

	if ptr.Implements(jsonUnmarshalerType) {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		v := reflect.New(to)
		if err := v.Interface().(json.Unmarshaler).UnmarshalJSON(raw); err != nil {
			return nil, err
		}
		return v.Elem().Interface(), nil
	}

	return data, nil
}
