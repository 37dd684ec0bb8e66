package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/crytic/keel/logging"
	"github.com/pkg/errors"
)

// FormatVersion is the version of the journal file format written by this package.
const FormatVersion = "1.0.0"

// supportedVersions is the range of journal format versions this package can read.
const supportedVersions = "^1.0.0"

// maxLineSize bounds the size of a single journal line, which holds receipts with all their logs.
const maxLineSize = 64 * 1024 * 1024

// header is the first line of a journal file.
type header struct {
	Format  string `json:"format"`
	Version string `json:"version"`
}

// FileJournal is a Journal stored as JSON lines in a file. Each record is written with a single write followed by an
// fsync, so a crash can at most leave a torn last line, which is truncated the next time the journal is opened.
type FileJournal struct {
	path string
	file *os.File
	lock sync.Mutex

	logger *logging.Logger
}

// OpenFileJournal opens the journal at path, creating it and its directory if needed. It returns an error if the
// file was written with an unsupported format version.
func OpenFileJournal(path string) (*FileJournal, error) {
	logger := logging.GlobalLogger.NewSubLogger("module", logging.JOURNAL_SERVICE)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	j := &FileJournal{path: path, file: file, logger: logger}
	if err = j.prepare(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// prepare truncates a torn trailing line, then checks the header of an existing journal or writes the header of a new
// one. The file offset is left at the end of the file.
func (j *FileJournal) prepare() error {
	content, err := io.ReadAll(j.file)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(content) > 0 && content[len(content)-1] != '\n' {
		complete := bytes.LastIndexByte(content, '\n') + 1
		j.logger.Warn("Truncating an incomplete record at the end of ", j.path)
		if err = j.file.Truncate(int64(complete)); err != nil {
			return errors.WithStack(err)
		}
		if err = j.file.Sync(); err != nil {
			return errors.WithStack(err)
		}
		content = content[:complete]
	}

	if len(content) == 0 {
		line, err := json.Marshal(header{Format: "keel-journal", Version: FormatVersion})
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err = j.file.Seek(0, io.SeekStart); err != nil {
			return errors.WithStack(err)
		}
		return j.writeLine(line)
	}

	firstLine, _, _ := bytes.Cut(content, []byte{'\n'})
	if err = checkHeader(firstLine); err != nil {
		return errors.Wrapf(err, "cannot open journal %s", j.path)
	}
	_, err = j.file.Seek(0, io.SeekEnd)
	return errors.WithStack(err)
}

// checkHeader verifies that a header line declares a supported format version.
func checkHeader(line []byte) error {
	var h header
	if err := json.Unmarshal(line, &h); err != nil || h.Version == "" {
		return errors.New("missing journal header")
	}
	version, err := semver.NewVersion(h.Version)
	if err != nil {
		return errors.Wrapf(err, "invalid journal version %q", h.Version)
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return errors.WithStack(err)
	}
	if !constraint.Check(version) {
		return errors.Errorf("unsupported journal version %s, expected %s", version, supportedVersions)
	}
	return nil
}

// writeLine writes a line with a single write and syncs it to disk.
func (j *FileJournal) writeLine(line []byte) error {
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(j.file.Sync())
}

// Path returns the path of the journal file.
func (j *FileJournal) Path() string {
	return j.path
}

// Record implements Journal.
func (j *FileJournal) Record(message Message) error {
	line, err := Marshal(message)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", message.Type(), err)
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.file == nil {
		return errors.New("journal is closed")
	}
	return j.writeLine(line)
}

// ReadAll implements Journal. Each iteration opens the file anew.
func (j *FileJournal) ReadAll() iter.Seq2[Message, error] {
	return readFile(j.path)
}

// Close closes the journal file.
func (j *FileJournal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return errors.WithStack(err)
}

// ReadFile returns the messages of the journal at path without opening it for writing. A torn trailing line is
// skipped rather than truncated.
func ReadFile(path string) iter.Seq2[Message, error] {
	return readFile(path)
}

func readFile(path string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		file, err := os.Open(path)
		if err != nil {
			yield(nil, errors.WithStack(err))
			return
		}
		defer file.Close()

		reader := bufio.NewReaderSize(file, 64*1024)
		lineNumber := 0
		for {
			line, err := readLine(reader)
			if err == io.EOF {
				return
			}
			if err == errTornLine {
				return
			}
			if err != nil {
				yield(nil, errors.WithStack(err))
				return
			}
			lineNumber++
			if lineNumber == 1 {
				if err = checkHeader(line); err != nil {
					yield(nil, errors.Wrapf(err, "cannot read journal %s", path))
					return
				}
				continue
			}
			message, err := Unmarshal(line)
			if err != nil {
				yield(nil, errors.Wrapf(err, "%s:%d", path, lineNumber))
				return
			}
			if !yield(message, nil) {
				return
			}
		}
	}
}

// errTornLine is returned by readLine for a last line without a newline.
var errTornLine = errors.New("torn line")

// readLine reads a complete newline-terminated line, without its newline.
func readLine(reader *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, errors.New("journal line too long")
		}
		switch err {
		case nil:
			return line[:len(line)-1], nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, errTornLine
		default:
			return nil, err
		}
	}
}
