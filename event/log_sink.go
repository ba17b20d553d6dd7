package event

import (
	"os"

	"github.com/conveyorhq/conveyor/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileSink appends every event as a JSON line to a dedicated audit file,
// separate from the process log.
type LogFileSink struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileSink(fileName string) (*LogFileSink, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = "" // to hide stacktrace info
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel))
	lg := zap.New(core)
	return &LogFileSink{
		fileName: fileName,
		logger:   lg,
	}, nil
}

var _ Sink = new(LogFileSink)

func (ls *LogFileSink) Name() string {
	return "log-file"
}

func (ls *LogFileSink) Consume(event model.ExecutionEvent) error {
	ls.logger.Info(string(event.Type),
		zap.String("eventId", event.Id),
		zap.String("executionId", event.ExecutionId),
		zap.String("nodeId", event.NodeId),
		zap.Any("detail", event.Detail),
		zap.Time("at", event.Timestamp))
	return nil
}

func (ls *LogFileSink) Close() error {
	return ls.logger.Sync()
}
