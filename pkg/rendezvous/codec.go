package rendezvous

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/raskyld/ranklink/pkg/directory"
	"github.com/raskyld/ranklink/pkg/msg"
)

// Command is the first byte of every control request.
type Command uint8

const (
	CmdInitDataToRoot     Command = 0
	CmdProcessConnectInfo Command = 1
	CmdProcessInfo        Command = 2
	CmdPostInDone         Command = 3
	CmdAllInDone          Command = 4
	CmdAbort              Command = 5
)

func (c Command) String() string {
	switch c {
	case CmdInitDataToRoot:
		return "init_data_to_root"
	case CmdProcessConnectInfo:
		return "process_connect_info"
	case CmdProcessInfo:
		return "process_info"
	case CmdPostInDone:
		return "post_in_done"
	case CmdAllInDone:
		return "all_in_done"
	case CmdAbort:
		return "abort"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Fixed field widths. Strings are NUL padded.
const (
	HostFieldLen   = 256
	ExeFieldLen    = 256
	NICsFieldLen   = 256
	ReasonFieldLen = 256
)

const (
	statusFail byte = 0
	statusOK   byte = 1
)

var (
	ErrUnknownCommand = errors.New("rendezvous: unknown command")
	ErrFieldTooLong   = errors.New("rendezvous: field does not fit its fixed width")
	ErrShortRead      = errors.New("rendezvous: connection closed mid-command")
	ErrRefused        = errors.New("rendezvous: request refused by peer")
)

// Integers travel in host byte order: every rank of a job runs the same
// binary on the same architecture.
var order = binary.NativeEndian

// wireEntry is the fixed-size encoding of a [directory.ProcessEntry].
type wireEntry struct {
	Rank        int32
	ListenPort  int32
	ControlPort int32
	PID         int32
	Host        [HostFieldLen]byte
	Exe         [ExeFieldLen]byte
	NICs        [NICsFieldLen]byte
}

// wireConnectInfo is the subset returned by PROCESS_CONNECT_INFO.
type wireConnectInfo struct {
	ListenPort int32
	Host       [HostFieldLen]byte
	NICs       [NICsFieldLen]byte
}

type wireAbort struct {
	Rank   int32
	Reason [ReasonFieldLen]byte
}

func putString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %d > %d", ErrFieldTooLong, len(s), len(dst))
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: embedded NUL", ErrFieldTooLong)
	}
	copy(dst, s)
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func joinNICs(nics []string) string {
	return strings.Join(nics, ",")
}

func splitNICs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeEntry(e directory.ProcessEntry) (wireEntry, error) {
	w := wireEntry{
		Rank:        int32(e.Rank),
		ListenPort:  int32(e.ListenPort),
		ControlPort: int32(e.ControlPort),
		PID:         int32(e.PID),
	}
	if err := putString(w.Host[:], e.Host); err != nil {
		return w, fmt.Errorf("host: %w", err)
	}
	if err := putString(w.Exe[:], e.Exe); err != nil {
		return w, fmt.Errorf("exe: %w", err)
	}
	if err := putString(w.NICs[:], joinNICs(e.NICs)); err != nil {
		return w, fmt.Errorf("nics: %w", err)
	}
	return w, nil
}

func (w *wireEntry) decode() directory.ProcessEntry {
	return directory.ProcessEntry{
		Rank:        msg.Rank(w.Rank),
		Host:        getString(w.Host[:]),
		ListenPort:  int(w.ListenPort),
		ControlPort: int(w.ControlPort),
		PID:         int(w.PID),
		Exe:         getString(w.Exe[:]),
		NICs:        splitNICs(getString(w.NICs[:])),
	}
}

func encodeConnectInfo(ci directory.ConnectInfo) (wireConnectInfo, error) {
	w := wireConnectInfo{ListenPort: int32(ci.ListenPort)}
	if err := putString(w.Host[:], ci.Host); err != nil {
		return w, err
	}
	if err := putString(w.NICs[:], joinNICs(ci.NICs)); err != nil {
		return w, err
	}
	return w, nil
}

func (w *wireConnectInfo) decode() directory.ConnectInfo {
	return directory.ConnectInfo{
		Host:       getString(w.Host[:]),
		ListenPort: int(w.ListenPort),
		NICs:       splitNICs(getString(w.NICs[:])),
	}
}

// writeRequest writes cmd followed by the fixed-size body, if any, in a
// single write.
func writeRequest(w io.Writer, cmd Command, body any) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmd))
	if body != nil {
		if err := binary.Write(&buf, order, body); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readCommand(r io.Reader) (Command, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	cmd := Command(b[0])
	if cmd > CmdAbort {
		return cmd, fmt.Errorf("%w: %d", ErrUnknownCommand, b[0])
	}
	return cmd, nil
}

func readBody(r io.Reader, body any) error {
	if err := binary.Read(r, order, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrShortRead, err)
		}
		return err
	}
	return nil
}

// writeResponse writes a status byte followed by body when status is ok.
func writeResponse(w io.Writer, ok bool, body any) error {
	var buf bytes.Buffer
	if !ok {
		buf.WriteByte(statusFail)
	} else {
		buf.WriteByte(statusOK)
		if body != nil {
			if err := binary.Write(&buf, order, body); err != nil {
				return err
			}
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// readResponse reads the status byte and, on success, body.
func readResponse(r io.Reader, body any) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrShortRead, err)
	}
	if b[0] != statusOK {
		return ErrRefused
	}
	if body == nil {
		return nil
	}
	return readBody(r, body)
}
