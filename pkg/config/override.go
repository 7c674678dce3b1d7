package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func reflectValueOf(v interface{}) reflect.Value {
	return reflect.ValueOf(v).Elem()
}

// setField walks struct's yaml tags to find the field named key
// (case-insensitive, tag taken up to the first comma) and assigns value
// to it, converting from the flag's string form to the field's Go type.
func setField(structVal reflect.Value, key string, value string) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("yaml")
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = field.Name
		}
		if !strings.EqualFold(name, key) {
			continue
		}
		return assign(structVal.Field(i), value)
	}
	return fmt.Errorf("config: unknown override key %q", key)
}

func assign(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("not a bool: %q", value)
		}
		field.SetBool(b)
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := parseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer: %q", value)
		}
		field.SetInt(n)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %q", value)
		}
		field.SetInt(int64(n))
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice override type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported override field type %s", field.Kind())
	}
	return nil
}

// parseDuration accepts Go duration syntax ("30s") and a bare integer,
// treated as a count of seconds to match the original config format.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a duration or integer seconds: %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}
