package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/asaavedra/filament-agent/pkg/serializer"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
)

const spoolExt = ".json.zst"

// zstdEncoder y zstdDecoder se reutilizan entre llamadas; ambos son
// seguros para uso concurrente.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sink: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sink: zstd decoder initialization failed: " + err.Error())
	}
}

// FileSink escribe los eventos comprimidos a archivos en disco
// Usado como spool cuando los destinos no están disponibles: nada se
// pierde y Replay los reenvía al recuperar conexión
type FileSink struct {
	queueDir   string
	serializer *serializer.Serializer
	logger     *slog.Logger
}

// NewFileSink crea un nuevo file sink
// queueDir: directorio donde guardar los archivos (ej: /var/lib/filament-agent/spool)
func NewFileSink(queueDir string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Crear directorio si no existe
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	return &FileSink{
		queueDir:   queueDir,
		serializer: serializer.NewSerializer(),
		logger:     logger,
	}, nil
}

// Write guarda el evento en un archivo con naming: {epoch}_{printer_id}_{event_id}.json.zst
// El nombre depende solo del evento, así un reenvío sobrescribe el mismo archivo
func (fs *FileSink) Write(ctx context.Context, ev *telemetry.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	data, err := fs.serializer.Serialize(ev)
	if err != nil {
		return &SinkError{Sink: "file", Operation: "serialize", Err: err, PrinterID: ev.PrinterID, Permanent: true}
	}
	compressed := zstdEncoder.EncodeAll(data, nil)

	filename := fmt.Sprintf("%d_%s_%s%s", ev.CollectedAt.Unix(), sanitize(ev.PrinterID), ev.EventID, spoolExt)
	path := filepath.Join(fs.queueDir, filename)
	tmp := path + ".tmp"

	// Escribir a temporal y renombrar: un corte no deja archivos a medias
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return &SinkError{Sink: "file", Operation: "write", Err: err, PrinterID: ev.PrinterID}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &SinkError{Sink: "file", Operation: "rename", Err: err, PrinterID: ev.PrinterID}
	}

	return nil
}

// Pending retorna los archivos en el spool, del más viejo al más nuevo.
func (fs *FileSink) Pending() ([]string, error) {
	entries, err := os.ReadDir(fs.queueDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolExt) {
			continue
		}
		files = append(files, filepath.Join(fs.queueDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Read decodifica un archivo del spool.
func (fs *FileSink) Read(path string) (*telemetry.Event, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", filepath.Base(path), err)
	}
	return fs.serializer.Deserialize(data)
}

// Replay reenvía el spool a dst en orden y borra cada archivo entregado.
// Se detiene en el primer error recuperable. Los archivos corruptos o
// rechazados de forma permanente se renombran con sufijo .bad.
func (fs *FileSink) Replay(ctx context.Context, dst Sink) (int, error) {
	files, err := fs.Pending()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		ev, err := fs.Read(path)
		if err != nil {
			fs.logger.Warn("spool file unreadable", "file", filepath.Base(path), "err", err)
			fs.quarantine(path)
			continue
		}

		if err := dst.Write(ctx, ev); err != nil {
			if !IsRetryable(err) {
				fs.logger.Warn("spooled event rejected", "file", filepath.Base(path), "err", err)
				fs.quarantine(path)
				continue
			}
			return delivered, err
		}

		if err := os.Remove(path); err != nil {
			return delivered, fmt.Errorf("failed to remove delivered spool file: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

func (fs *FileSink) quarantine(path string) {
	if err := os.Rename(path, path+".bad"); err != nil {
		fs.logger.Warn("failed to quarantine spool file", "file", filepath.Base(path), "err", err)
	}
}

// Close cierra el FileSink (no tiene recursos abiertos)
func (fs *FileSink) Close() error {
	return nil
}

func sanitize(id string) string {
	safeID := id
	for _, ch := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", "_"} {
		safeID = strings.ReplaceAll(safeID, ch, "-")
	}
	return safeID
}
