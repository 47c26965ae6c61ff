package delivery

import "fmt"

// Status is the delivery state of a message. The numeric order is the
// only allowed direction of travel.
type Status int8

const (
	Sent      Status = 1
	Delivered Status = 2
	Read      Status = 3
)

func (s Status) String() string {
	switch s {
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int8(s))
}

// Valid reports whether s is one of the three states.
func (s Status) Valid() bool { return s >= Sent && s <= Read }

// MarshalText renders the status name; zero renders empty.
func (s Status) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus converts a status name.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "sent":
		return Sent, nil
	case "delivered":
		return Delivered, nil
	case "read":
		return Read, nil
	}
	return 0, fmt.Errorf("unknown message status %q", name)
}
