package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidDuration = errors.New("invalid duration value, add a unit (ms, s, m, h)")

// Config mirrors a configuration struct field by field.
// Priority: modified value > environment > config file > default tag.
type Config struct {
	Ptr      reflect.Value
	Modify   any
	Env      any
	File     any
	Default  any
	name     string
	propsMap map[string]*Config
	props    []*Config
	tag      reflect.StructTag
}

var durationType = reflect.TypeOf(time.Duration(0))

func (config *Config) Get(key string) (v *Config) {
	key = strings.ToLower(key)
	if config.propsMap == nil {
		config.propsMap = make(map[string]*Config)
	}
	if v, ok := config.propsMap[key]; ok {
		return v
	}
	v = &Config{name: key}
	config.propsMap[key] = v
	config.props = append(config.props, v)
	return v
}

func (config *Config) Has(key string) (ok bool) {
	if config.propsMap == nil {
		return false
	}
	_, ok = config.propsMap[strings.ToLower(key)]
	return ok
}

func (config *Config) GetValue() any {
	return config.Ptr.Interface()
}

// Parse reads default tags and environment variables into s.
// Environment names are the upper-case field path joined by '_' under prefix.
func (config *Config) Parse(s any, prefix ...string) (err error) {
	var t reflect.Type
	var v reflect.Value
	if vv, ok := s.(reflect.Value); ok {
		t, v = vv.Type(), vv
	} else {
		t, v = reflect.TypeOf(s), reflect.ValueOf(s)
	}
	if t.Kind() == reflect.Pointer {
		t, v = t.Elem(), v.Elem()
	}
	config.Ptr = v
	config.Default = v.Interface()

	if l := len(prefix); l > 0 && t.Kind() != reflect.Struct {
		name := strings.ToLower(prefix[l-1])
		if tag := config.tag.Get("default"); tag != "" {
			dv, err := config.assign(name, tag)
			if err != nil {
				return err
			}
			v.Set(dv)
			config.Default = v.Interface()
		}
		if envValue := os.Getenv(strings.Join(prefix, "_")); envValue != "" {
			ev, err := config.assign(name, envValue)
			if err != nil {
				return err
			}
			v.Set(ev)
			config.Env = v.Interface()
		}
	}

	if t.Kind() == reflect.Struct && t != durationType {
		for i, j := 0, t.NumField(); i < j; i++ {
			ft, fv := t.Field(i), v.Field(i)
			if !ft.IsExported() {
				continue
			}
			name := ft.Name
			if tag := ft.Tag.Get("yaml"); tag != "" {
				if tag == "-" {
					continue
				}
				name, _, _ = strings.Cut(tag, ",")
			}
			prop := config.Get(name)
			prop.tag = ft.Tag
			if err = prop.Parse(fv, append(prefix, strings.ToUpper(ft.Name))...); err != nil {
				return
			}
		}
	}
	return
}

// ParseUserFile overlays values read from a configuration file.
// Environment values still win.
func (config *Config) ParseUserFile(conf map[string]any) error {
	if conf == nil {
		return nil
	}
	config.File = conf
	for k, v := range conf {
		if !config.Has(k) {
			continue
		}
		if prop := config.Get(k); prop.props != nil {
			if m, ok := v.(map[string]any); ok {
				if err := prop.ParseUserFile(m); err != nil {
					return err
				}
			}
		} else {
			fv, err := prop.assign(k, v)
			if err != nil {
				return err
			}
			prop.File = fv.Interface()
			if prop.Env == nil {
				prop.Ptr.Set(fv)
			}
		}
	}
	return nil
}

// ParseModifyFile applies runtime overrides, dropping entries equal to the current value.
func (config *Config) ParseModifyFile(conf map[string]any) error {
	if conf == nil {
		return nil
	}
	config.Modify = conf
	for k, v := range conf {
		if !config.Has(k) {
			continue
		}
		if prop := config.Get(k); prop.props != nil {
			if vmap, ok := v.(map[string]any); ok {
				if err := prop.ParseModifyFile(vmap); err != nil {
					return err
				}
				if len(vmap) == 0 {
					delete(conf, k)
				}
			}
		} else {
			mv, err := prop.assign(k, v)
			if err != nil {
				return err
			}
			v = mv.Interface()
			vwm := prop.valueWithoutModify()
			if reflect.DeepEqual(vwm, v) {
				delete(conf, k)
				if prop.Modify != nil {
					prop.Modify = nil
					prop.Ptr.Set(reflect.ValueOf(vwm))
				}
				continue
			}
			prop.Modify = v
			prop.Ptr.Set(mv)
		}
	}
	if len(conf) == 0 {
		config.Modify = nil
	}
	return nil
}

func (config *Config) valueWithoutModify() any {
	if config.Env != nil {
		return config.Env
	}
	if config.File != nil {
		return config.File
	}
	return config.Default
}

// GetMap returns the effective values as a nested map.
func (config *Config) GetMap() map[string]any {
	m := make(map[string]any)
	for k, v := range config.propsMap {
		if v.props != nil {
			if vv := v.GetMap(); vv != nil {
				m[k] = vv
			}
		} else if v.GetValue() != nil {
			m[k] = v.GetValue()
		}
	}
	if len(m) > 0 {
		return m
	}
	return nil
}

var regexPureNumber = regexp.MustCompile(`^\d+$`)

func (config *Config) assign(k string, v any) (target reflect.Value, err error) {
	ft := config.Ptr.Type()
	source := reflect.ValueOf(v)
	if ft == durationType {
		target = reflect.New(ft).Elem()
		switch {
		case !source.IsValid() || source.IsZero():
			target.SetInt(0)
		case source.Type() == durationType:
			target.Set(source)
		default:
			timeStr := fmt.Sprint(v)
			d, perr := time.ParseDuration(timeStr)
			if perr != nil || regexPureNumber.MatchString(timeStr) {
				return target, fmt.Errorf("%w: %s=%v", ErrInvalidDuration, k, v)
			}
			target.SetInt(int64(d))
		}
		return
	}
	tmpStruct := reflect.StructOf([]reflect.StructField{
		{
			Name: "Value",
			Type: ft,
			Tag:  reflect.StructTag(`yaml:"value"`),
		},
	})
	tmpValue := reflect.New(tmpStruct)
	if v != nil {
		var out []byte
		if vv, ok := v.(string); ok && ft.Kind() != reflect.String {
			out = []byte("value: " + vv)
		} else {
			out, _ = yaml.Marshal(map[string]any{"value": v})
		}
		if err = yaml.Unmarshal(out, tmpValue.Interface()); err != nil {
			return target, fmt.Errorf("config %s: %w", k, err)
		}
	}
	target = tmpValue.Elem().Field(0)
	return
}

// Load fills target from default tags, the environment under prefix, and
// the optional YAML file at path.
func Load(target any, prefix string, path string) (*Config, error) {
	var c Config
	if err := c.Parse(target, prefix); err != nil {
		return nil, err
	}
	if path == "" {
		return &c, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf map[string]any
	if err = yaml.Unmarshal(content, &conf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, c.ParseUserFile(conf)
}
