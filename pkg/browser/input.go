package browser

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

var ErrUnsupportedInput = errors.New("unsupported input event")

// pointer keeps the last known mouse position,
// the buttons and the wheel events happen there.
type pointer struct {
	x, y float64
}

// actions maps a viewer input event into the CDP input commands:
//
//	move    [x, y]
//	down    [button]
//	up      [button]
//	click   [x, y, button?]
//	wheel   [dx, dy]
//	keydown [key]
//	keyup   [key]
//	type    [text]
//
// Buttons are either DOM button numbers (0 left, 1 middle, 2 right) or names.
func (p *pointer) actions(eventType string, data []any) ([]chromedp.Action, error) {
	switch eventType {
	case "move", "mousemove":
		x, y, err := xy(data)
		if err != nil {
			return nil, err
		}
		p.x, p.y = x, y
		return []chromedp.Action{input.DispatchMouseEvent(input.MouseMoved, x, y)}, nil
	case "down", "mousedown":
		b, err := button(data, 0)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MousePressed, p.x, p.y).WithButton(b).WithClickCount(1),
		}, nil
	case "up", "mouseup":
		b, err := button(data, 0)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MouseReleased, p.x, p.y).WithButton(b).WithClickCount(1),
		}, nil
	case "click":
		x, y, err := xy(data)
		if err != nil {
			return nil, err
		}
		b := input.Left
		if len(data) > 2 {
			if b, err = button(data, 2); err != nil {
				return nil, err
			}
		}
		p.x, p.y = x, y
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MouseMoved, x, y),
			input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(b).WithClickCount(1),
			input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(b).WithClickCount(1),
		}, nil
	case "wheel":
		dx, dy, err := xy(data)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{
			input.DispatchMouseEvent(input.MouseWheel, p.x, p.y).WithDeltaX(dx).WithDeltaY(dy),
		}, nil
	case "keydown":
		key, err := str(data)
		if err != nil {
			return nil, err
		}
		ev := input.DispatchKeyEvent(input.KeyDown).WithKey(key)
		if utf8.RuneCountInString(key) == 1 {
			ev = ev.WithText(key)
		}
		return []chromedp.Action{ev}, nil
	case "keyup":
		key, err := str(data)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{input.DispatchKeyEvent(input.KeyUp).WithKey(key)}, nil
	case "type":
		text, err := str(data)
		if err != nil {
			return nil, err
		}
		return []chromedp.Action{input.InsertText(text)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedInput, eventType)
}

func xy(data []any) (x, y float64, err error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("%w: expected two numbers, got %v", ErrUnsupportedInput, data)
	}
	if x, err = num(data[0]); err != nil {
		return
	}
	y, err = num(data[1])
	return
}

func num(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: not a number %v", ErrUnsupportedInput, v)
}

func button(data []any, i int) (input.MouseButton, error) {
	if len(data) <= i {
		return input.Left, nil
	}
	switch b := data[i].(type) {
	case string:
		switch mb := input.MouseButton(b); mb {
		case input.Left, input.Middle, input.Right, input.Back, input.Forward, input.None:
			return mb, nil
		}
	default:
		n, err := num(b)
		if err != nil {
			return "", err
		}
		switch int(n) {
		case 0:
			return input.Left, nil
		case 1:
			return input.Middle, nil
		case 2:
			return input.Right, nil
		case 3:
			return input.Back, nil
		case 4:
			return input.Forward, nil
		}
	}
	return "", fmt.Errorf("%w: button %v", ErrUnsupportedInput, data[i])
}

func str(data []any) (string, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("%w: no value", ErrUnsupportedInput)
	}
	s, ok := data[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: not a string %v", ErrUnsupportedInput, data[0])
	}
	return s, nil
}
