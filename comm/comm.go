/*Package comm provides the line-oriented transport used to talk to the flip
coil hardware.

Every device on the bench (the motion controller, the multimeter behind its
GPIB bridge, the integrator) speaks a text protocol where a command is a line
terminated by one byte and a reply is terminated by another.  RemoteDevice
implements that over TCP or RS-232.

A minimal example, for an instrument answering "RD?" with a float:

	rd := comm.NewRemoteDevice("192.168.0.10:1234", false, nil, nil)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("RD?"))
	if err != nil {
		return err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/flipcoil/util"
)

const (
	// DefaultTimeout is the read/write deadline applied to each exchange
	DefaultTimeout = 3 * time.Second
)

var (
	// ErrNoSerialConf is generated when a serial device is opened without a serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial configuration")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the transmit and receive termination bytes
type Terminators struct {
	Tx byte
	Rx byte
}

// DefaultTerminators are carriage returns in both directions
var DefaultTerminators = Terminators{Tx: '\r', Rx: '\r'}

// Communicator can Open, Close, and exchange terminated messages
type Communicator interface {
	io.Closer
	Open() error
	Send([]byte) error
	Recv() ([]byte, error)
	SendRecv([]byte) ([]byte, error)
}

/*RemoteDevice has an address and implements Communicator.

SendRecv holds the embedded mutex for the full exchange, so concurrent callers
never receive each other's replies.  Callers composing several exchanges that
must not interleave (a jog followed by its stop poll, say) lock at a higher
level; see motion.Stage.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr    string
	Serial  bool
	Timeout time.Duration
	Conn    io.ReadWriteCloser

	term   Terminators
	serCfg *serial.Config
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice.  term and serCfg may be nil,
// in which case DefaultTerminators are used and the device must not be serial.
func NewRemoteDevice(addr string, serial bool, term *Terminators, serCfg *serial.Config) RemoteDevice {
	t := DefaultTerminators
	if term != nil {
		t = *term
	}
	return RemoteDevice{
		Addr:    addr,
		Serial:  serial,
		Timeout: DefaultTimeout,
		term:    t,
		serCfg:  serCfg}
}

// Open the connection, setting the Conn variable.  Open is a no-op if
// the device is already connected.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// the controllers do not like being connection thrashed, so back off
	// exponentially but give up quickly on an outright refusal
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if err == ErrNoSerialConf || strings.Contains(errS, "refused") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	if rd.Serial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = util.TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	return nil
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.term.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.term.Rx
}

// refresh pushes the deadlines out for network connections.  Serial ports
// carry their own ReadTimeout in the serial.Config.
func (rd *RemoteDevice) refresh() {
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.refresh()
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.term.Tx)
	_, err := rd.Conn.Write(msg)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	rd.refresh()
	buf, err := rd.reader.ReadBytes(rd.term.Rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return buf[:len(buf)-1], nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped.
// The exchange is atomic with respect to other SendRecv calls.
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	err := rd.Send(b)
	if err != nil {
		return nil, err
	}
	return rd.Recv()
}
