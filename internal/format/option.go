package format

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OptionType selects how an option value string is parsed
type OptionType int

const (
	OptionString OptionType = iota
	OptionInt
	OptionBool
	// OptionDuration accepts Go duration strings; a bare integer is milliseconds
	OptionDuration
)

func (t OptionType) String() string {
	switch t {
	case OptionInt:
		return "int"
	case OptionBool:
		return "bool"
	case OptionDuration:
		return "duration"
	}
	return "string"
}

// Option is one entry of a format's private option table
type Option struct {
	Name    string
	Type    OptionType
	Default string
	Help    string
}

func (o Option) parse(value string) (any, error) {
	value = strings.TrimSpace(value)
	switch o.Type {
	case OptionInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %s expects an integer", o.Name)
		}
		return n, nil
	case OptionBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %s expects a boolean", o.Name)
		}
		return b, nil
	case OptionDuration:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, errors.Wrapf(err, "option %s expects a duration", o.Name)
		}
		return d, nil
	}
	return value, nil
}

// SetOption sets a private option of the context's format
func (c *Context) SetOption(key, value string) error {
	opt, ok := c.Format.option(key)
	if !ok {
		return fmt.Errorf("%w %q for format %s", ErrUnknownOption, key, c.Format.Name)
	}
	v, err := opt.parse(value)
	if err != nil {
		return err
	}
	c.priv[key] = v
	return nil
}

func (c *Context) optionValue(key string) any {
	if v, ok := c.priv[key]; ok {
		return v
	}
	opt, ok := c.Format.option(key)
	if !ok {
		return nil
	}
	v, err := opt.parse(opt.Default)
	if err != nil {
		return nil
	}
	return v
}

// OptionInt returns an integer option, or its default when unset
func (c *Context) OptionInt(key string) int {
	n, _ := c.optionValue(key).(int)
	return n
}

// OptionBool returns a boolean option, or its default when unset
func (c *Context) OptionBool(key string) bool {
	b, _ := c.optionValue(key).(bool)
	return b
}

// OptionDuration returns a duration option, or its default when unset
func (c *Context) OptionDuration(key string) time.Duration {
	d, _ := c.optionValue(key).(time.Duration)
	return d
}

// OptionString returns a string option, or its default when unset
func (c *Context) OptionString(key string) string {
	s, _ := c.optionValue(key).(string)
	return s
}
