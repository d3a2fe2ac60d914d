package tftpwire

import (
	"io"

	"pack.ag/tftp/netascii"
)

// ModeReader returns a reader yielding wire bytes for mode. For netascii the
// native line endings read from src are encoded on a helper goroutine that
// exits once the returned reader is closed or src is drained.
func ModeReader(src io.Reader, mode TransferMode) io.ReadCloser {
	if mode != ModeNetASCII {
		return io.NopCloser(src)
	}
	pr, pw := io.Pipe()
	go func() {
		enc := netascii.NewWriter(pw)
		_, err := io.Copy(enc, src)
		if err == nil {
			err = flush(enc)
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// ModeWriter returns a writer that accepts wire bytes for mode and forwards
// native bytes to dst. Close must be called to drain a trailing CR.
func ModeWriter(dst io.Writer, mode TransferMode) io.WriteCloser {
	if mode != ModeNetASCII {
		return nopWriteCloser{dst}
	}
	pr, pw := io.Pipe()
	w := &decodingWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := io.Copy(dst, netascii.NewReader(pr))
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

type decodingWriter struct {
	pw   *io.PipeWriter
	done chan error
	err  error
	shut bool
}

func (w *decodingWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *decodingWriter) Close() error {
	if w.shut {
		return w.err
	}
	w.shut = true
	_ = w.pw.Close()
	w.err = <-w.done
	return w.err
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func flush(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
