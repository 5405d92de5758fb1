package model

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
)

// UnsupportedGlobalError reports the globals a restricted load refused.
// Its message follows the "Unsupported global: GLOBAL pkg.mod.Name" form so the
// allowlist expansion can parse it regardless of which loader produced it.
type UnsupportedGlobalError struct {
	Globals []string
}

func (e *UnsupportedGlobalError) Error() string {
	parts := make([]string, len(e.Globals))
	for i, g := range e.Globals {
		parts[i] = "Unsupported global: GLOBAL " + g
	}
	return "weights-only load failed: " + strings.Join(parts, "; ")
}

// errMalformedPickle is returned for truncated or unknown opcode streams.
var errMalformedPickle = errors.New("malformed pickle stream")

// ScanCheckpoint checks every global referenced by the checkpoint at p
// against allowed. PyTorch zip archives are scanned entry by entry (every
// "*.pkl" member); any other file is treated as a raw pickle stream. It
// returns an [*UnsupportedGlobalError] listing refused globals in first-seen
// order.
func ScanCheckpoint(p string, allowed func(global string) bool) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("model: open checkpoint: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	n, _ := io.ReadFull(f, magic[:])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("model: rewind checkpoint: %w", err)
	}

	var globals []string
	if n == 4 && bytes.Equal(magic[:], []byte("PK\x03\x04")) {
		st, err := f.Stat()
		if err != nil {
			return fmt.Errorf("model: stat checkpoint: %w", err)
		}
		zr, err := zip.NewReader(f, st.Size())
		if err != nil {
			return fmt.Errorf("model: open checkpoint archive: %w", err)
		}
		for _, zf := range zr.File {
			if path.Ext(zf.Name) != ".pkl" {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("model: open %s: %w", zf.Name, err)
			}
			found, err := pickleGlobals(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("model: scan %s: %w", zf.Name, err)
			}
			globals = appendUnique(globals, found...)
		}
	} else {
		found, err := pickleGlobals(f)
		if err != nil {
			return fmt.Errorf("model: scan checkpoint: %w", err)
		}
		globals = found
	}

	var refused []string
	for _, g := range globals {
		if !allowed(g) {
			refused = append(refused, g)
		}
	}
	if len(refused) > 0 {
		return &UnsupportedGlobalError{Globals: refused}
	}
	return nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// Pickle opcodes that carry arguments. Opcodes not listed here take none.
const (
	opGlobal          = 'c'
	opInst            = 'i'
	opStackGlobal     = '\x93'
	opShortBinUnicode = '\x8c'
	opBinUnicode      = 'X'
	opBinUnicode8     = '\x8d'
	opUnicode         = 'V'
	opMemoize         = '\x94'
	opBinPut          = 'q'
	opLongBinPut      = 'r'
	opPut             = 'p'
	opBinGet          = 'h'
	opLongBinGet      = 'j'
	opGet             = 'g'
	opStop            = '.'
)

// fixedArgs maps opcodes to the byte length of their fixed-size argument.
var fixedArgs = map[byte]int{
	'J': 4, 'K': 1, 'M': 2, 'G': 8, '\x80': 1, '\x95': 8,
	'\x82': 1, '\x83': 2, '\x84': 4,
}

// lineArgs are opcodes followed by one newline-terminated argument.
var lineArgs = map[byte]bool{'I': true, 'L': true, 'S': true, 'F': true, 'P': true}

// sizedArgs maps opcodes to the byte width of their length prefix.
var sizedArgs = map[byte]int{
	'\x8a': 1, '\x8b': 4, 'T': 4, 'U': 1, 'B': 4, 'C': 1, '\x8e': 8, '\x96': 8,
}

// noArgs are the argument-less opcodes of pickle protocols 0 to 5.
var noArgs = map[byte]bool{
	'(': true, ')': true, ']': true, '}': true, 'N': true, '\x88': true, '\x89': true,
	'a': true, 'e': true, 'b': true, 'd': true, 'l': true, 't': true,
	'\x85': true, '\x86': true, '\x87': true, 's': true, 'u': true, 'R': true,
	'o': true, '\x81': true, '\x92': true, '0': true, '1': true, '2': true,
	'Q': true, '\x8f': true, '\x90': true, '\x91': true, '\x97': true, '\x98': true,
}

// pickleGlobals walks a pickle opcode stream without executing it and returns
// the globals it references. STACK_GLOBAL operands are recovered from the
// most recent string pushes, directly or through the memo, which covers the
// shapes pickle writers emit.
func pickleGlobals(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var (
		globals []string
		recent  []string // last string operands pushed, most recent last
		top     string   // value of the last push when it was a string
		memo    = make(map[uint64]string)
		nextMem uint64
	)
	push := func(s string) {
		recent = append(recent, s)
		if len(recent) > 2 {
			recent = recent[1:]
		}
		top = s
	}
	readLine := func() (string, error) {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", errMalformedPickle
		}
		return strings.TrimSuffix(line, "\n"), nil
	}
	readN := func(n uint64) ([]byte, error) {
		if n > 1<<31 {
			return nil, errMalformedPickle
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, errMalformedPickle
		}
		return buf, nil
	}
	readUint := func(width int) (uint64, error) {
		b, err := readN(uint64(width))
		if err != nil {
			return 0, err
		}
		var full [8]byte
		copy(full[:], b)
		return binary.LittleEndian.Uint64(full[:]), nil
	}

	for {
		op, err := br.ReadByte()
		if err == io.EOF {
			return globals, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case op == opStop:
			// Torch archives may hold several pickles back to back.
			if _, err := br.Peek(1); err == io.EOF {
				return globals, nil
			}
			recent, top = nil, ""
		case op == opGlobal || op == opInst:
			mod, err := readLine()
			if err != nil {
				return nil, err
			}
			name, err := readLine()
			if err != nil {
				return nil, err
			}
			globals = appendUnique(globals, mod+"."+name)
			top = ""
		case op == opStackGlobal:
			if len(recent) < 2 {
				return nil, fmt.Errorf("%w: STACK_GLOBAL without operands", errMalformedPickle)
			}
			globals = appendUnique(globals, recent[0]+"."+recent[1])
			recent, top = nil, ""
		case op == opShortBinUnicode:
			n, err := readUint(1)
			if err != nil {
				return nil, err
			}
			b, err := readN(n)
			if err != nil {
				return nil, err
			}
			push(string(b))
		case op == opBinUnicode || op == opBinUnicode8:
			width := 4
			if op == opBinUnicode8 {
				width = 8
			}
			n, err := readUint(width)
			if err != nil {
				return nil, err
			}
			b, err := readN(n)
			if err != nil {
				return nil, err
			}
			push(string(b))
		case op == opUnicode:
			s, err := readLine()
			if err != nil {
				return nil, err
			}
			push(s)
		case op == opMemoize:
			if top != "" {
				memo[nextMem] = top
			}
			nextMem++
		case op == opBinPut || op == opLongBinPut:
			width := 1
			if op == opLongBinPut {
				width = 4
			}
			idx, err := readUint(width)
			if err != nil {
				return nil, err
			}
			if top != "" {
				memo[idx] = top
			}
		case op == opPut:
			if _, err := readLine(); err != nil {
				return nil, err
			}
		case op == opBinGet || op == opLongBinGet:
			width := 1
			if op == opLongBinGet {
				width = 4
			}
			idx, err := readUint(width)
			if err != nil {
				return nil, err
			}
			if s, ok := memo[idx]; ok {
				push(s)
			} else {
				top = ""
			}
		case op == opGet:
			if _, err := readLine(); err != nil {
				return nil, err
			}
			top = ""
		case lineArgs[op]:
			if _, err := readLine(); err != nil {
				return nil, err
			}
			top = ""
		case fixedArgs[op] > 0:
			if _, err := readN(uint64(fixedArgs[op])); err != nil {
				return nil, err
			}
			top = ""
		case sizedArgs[op] > 0:
			n, err := readUint(sizedArgs[op])
			if err != nil {
				return nil, err
			}
			if _, err := readN(n); err != nil {
				return nil, err
			}
			top = ""
		case noArgs[op]:
			top = ""
		default:
			return nil, fmt.Errorf("%w: unknown opcode 0x%02x", errMalformedPickle, op)
		}
	}
}
