// Package redisstub runs an in-process RESP server implementing the string,
// counter, key expiry and sorted-set commands used by the Redis token store
// and the rate limiter.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	mu       sync.Mutex
	strings  map[string]*stringEntry
	zsets    map[string]map[string]float64
	closed   chan struct{}
	once     sync.Once
}

type stringEntry struct {
	value  string
	expiry time.Time
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		strings:  make(map[string]*stringEntry),
		zsets:    make(map[string]map[string]float64),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.closed)
		_ = s.listener.Close()
	})
	return nil
}

// Keys returns the live string keys, for assertions.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.strings))
	for key := range s.strings {
		if s.liveLocked(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = writeError(writer, "ERR wrong number of arguments")
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			err = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || (s.opts.Password != "" && password != s.opts.Password) {
				err = writeError(writer, "WRONGPASS invalid username-password pair")
			} else {
				authenticated = true
				err = writeSimpleString(writer, "OK")
			}
		case "SELECT":
			err = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				err = writeError(writer, "NOAUTH Authentication required.")
			} else {
				err = s.dispatch(writer, args)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case "SET":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'set'")
		}
		s.strings[args[1]] = &stringEntry{value: args[2]}
		return writeSimpleString(w, "OK")
	case "GET":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		entry := s.liveLocked(args[1])
		if entry == nil {
			return writeBulkNil(w)
		}
		return writeBulkString(w, entry.value)
	case "MGET":
		values := make([]any, 0, len(args)-1)
		for _, key := range args[1:] {
			if entry := s.liveLocked(key); entry != nil {
				values = append(values, entry.value)
			} else {
				values = append(values, nil)
			}
		}
		return writeArray(w, values)
	case "DEL":
		var removed int64
		for _, key := range args[1:] {
			if s.liveLocked(key) != nil {
				removed++
			}
			delete(s.strings, key)
			if _, ok := s.zsets[key]; ok {
				removed++
				delete(s.zsets, key)
			}
		}
		return writeInteger(w, removed)
	case "EXPIREAT":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'expireat'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		entry := s.liveLocked(args[1])
		if entry == nil {
			return writeInteger(w, 0)
		}
		entry.expiry = time.Unix(seconds, 0)
		return writeInteger(w, 1)
	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		entry := s.liveLocked(args[1])
		if entry == nil {
			entry = &stringEntry{value: "0"}
			s.strings[args[1]] = entry
		}
		n, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		n++
		entry.value = strconv.FormatInt(n, 10)
		return writeInteger(w, n)
	case "PEXPIRE":
		if len(args) != 3 {
			return writeError(w, "ERR wrong number of arguments for 'pexpire'")
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		entry := s.liveLocked(args[1])
		if entry == nil {
			return writeInteger(w, 0)
		}
		entry.expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
		return writeInteger(w, 1)
	case "PTTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'pttl'")
		}
		entry := s.liveLocked(args[1])
		switch {
		case entry == nil:
			return writeInteger(w, -2)
		case entry.expiry.IsZero():
			return writeInteger(w, -1)
		}
		return writeInteger(w, time.Until(entry.expiry).Milliseconds())
	case "ZADD":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(w, "ERR wrong number of arguments for 'zadd'")
		}
		set := s.zsets[args[1]]
		if set == nil {
			set = make(map[string]float64)
			s.zsets[args[1]] = set
		}
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			score, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return writeError(w, "ERR value is not a valid float")
			}
			if _, exists := set[args[i+1]]; !exists {
				added++
			}
			set[args[i+1]] = score
		}
		return writeInteger(w, added)
	case "ZREM":
		set := s.zsets[args[1]]
		var removed int64
		for _, member := range args[2:] {
			if _, ok := set[member]; ok {
				delete(set, member)
				removed++
			}
		}
		return writeInteger(w, removed)
	case "ZRANGE":
		if len(args) != 4 {
			return writeError(w, "ERR wrong number of arguments for 'zrange'")
		}
		start, err1 := strconv.Atoi(args[2])
		stop, err2 := strconv.Atoi(args[3])
		if err1 != nil || err2 != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		members := s.sortedLocked(args[1])
		n := len(members)
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		values := make([]any, 0)
		for i := start; i <= stop && i < n; i++ {
			values = append(values, members[i])
		}
		return writeArray(w, values)
	case "ZREMRANGEBYSCORE":
		if len(args) != 4 {
			return writeError(w, "ERR wrong number of arguments for 'zremrangebyscore'")
		}
		low, err1 := parseScore(args[2])
		high, err2 := parseScore(args[3])
		if err1 != nil || err2 != nil {
			return writeError(w, "ERR min or max is not a float")
		}
		var removed int64
		for member, score := range s.zsets[args[1]] {
			if score >= low && score <= high {
				delete(s.zsets[args[1]], member)
				removed++
			}
		}
		return writeInteger(w, removed)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) liveLocked(key string) *stringEntry {
	entry, ok := s.strings[key]
	if !ok {
		return nil
	}
	if !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(s.strings, key)
		return nil
	}
	return entry
}

func (s *Server) sortedLocked(key string) []string {
	set := s.zsets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if set[members[i]] == set[members[j]] {
			return members[i] < members[j]
		}
		return set[members[i]] < set[members[j]]
	})
	return members
}

func parseScore(raw string) (float64, error) {
	switch strings.ToLower(raw) {
	case "-inf":
		return math.Inf(-1), nil
	case "+inf", "inf":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(raw, 64)
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	count, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []any) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case nil:
			_, err = w.WriteString("$-1\r\n")
		case string:
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		default:
			s := fmt.Sprint(v)
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		}
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
