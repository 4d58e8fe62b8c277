// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nasa-jpl/flipcoil/comm"
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Dev *comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// ErrDevice is an error reported by the instrument's error queue
type ErrDevice struct {
	Cmd  string
	Resp string
}

func (e ErrDevice) Error() string {
	return fmt.Sprintf("%s: %s", e.Cmd, e.Resp)
}

// noError reports if an error queue entry is the "no error" entry, which
// instruments format as "0,..." or "+0,..."
func noError(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "+0") || strings.HasPrefix(s, "0")
}

func (s *SCPI) exchange(query bool, cmds ...string) (string, error) {
	if err := s.Dev.Open(); err != nil {
		return "", err
	}
	str := strings.Join(cmds, " ")
	if s.Handshaking {
		str = "*CLS;" + str + ";:SYSTem:ERRor?"
		query = true
	}
	var (
		resp []byte
		err  error
	)
	if query {
		resp, err = s.Dev.SendRecv([]byte(str))
	} else {
		s.Dev.Lock()
		err = s.Dev.Send([]byte(str))
		s.Dev.Unlock()
	}
	if err != nil {
		// drop the connection so a late reply is not read as the next answer
		s.Dev.Close()
		return "", err
	}
	out := strings.TrimRight(string(resp), "\r\n")
	if s.Handshaking {
		i := strings.LastIndexByte(out, ';')
		errS := out
		if i >= 0 {
			errS = out[i+1:]
			out = out[:i]
		} else {
			out = ""
		}
		if !noError(errS) {
			return out, ErrDevice{Cmd: strings.Join(cmds, " "), Resp: errS}
		}
	}
	return out, nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(false, cmds...)
	return err
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	return s.exchange(true, cmds...)
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// ReadFloats sends a command to the device, then reads the response
// and parses it as a comma separated list of floats
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	return ParseFloats(resp)
}

// ParseFloats parses a comma separated list of floats.  An empty string is
// an empty list.
func ParseFloats(resp string) ([]float64, error) {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return []float64{}, nil
	}
	pieces := strings.Split(resp, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d of %d: %w", i, len(pieces), err)
		}
		out[i] = f
	}
	return out, nil
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	// SYST: ERR?
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	if noError(str) {
		return nil
	}
	return ErrDevice{Cmd: "SYSTem:ERRor?", Resp: str}
}

// AllErrors returns all errors from the device as a list.  The queue is
// drained, at most max entries are read.
func (s *SCPI) AllErrors(max int) []error {
	var errs []error
	for i := 0; i < max; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(ErrDevice); !ok {
			// communication failure, the queue cannot be read
			break
		}
	}
	return errs
}
