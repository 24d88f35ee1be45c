package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 封装zap日志器。级别可在运行中调整（配置热更新），错误文件固定记录 ERROR 及以上。
type Logger struct {
	*zap.Logger
	level  zap.AtomicLevel
	files  []io.Closer
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
	Format     string   `yaml:"format"`      // json 或 console
	MaxSize    int      `yaml:"max_size"`    // 单个日志文件最大MB
	MaxBackups int      `yaml:"max_backups"` // 保留的旧日志文件数
	MaxAge     int      `yaml:"max_age"`     // 保留天数
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Outputs:    []string{"stdout"},
		Format:     "json",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
	}
}

// New 创建Logger。文件输出由 lumberjack 按大小滚动，统一 JSON 编码。
func New(cfg Config) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = []string{"stdout"}
	}

	l := &Logger{level: level, config: cfg}
	var cores []zapcore.Core

	if slices.Contains(cfg.Outputs, "stdout") {
		cores = append(cores, zapcore.NewCore(stdoutEncoder(cfg.Format), zapcore.AddSync(os.Stdout), level))
	}

	fileEnc := zap.NewProductionEncoderConfig()
	fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
	if slices.Contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), l.rotate(cfg.OutputFile), level))
	}
	if cfg.ErrorFile != "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), l.rotate(cfg.ErrorFile), zapcore.ErrorLevel))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func stdoutEncoder(format string) zapcore.Encoder {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

func (l *Logger) rotate(path string) zapcore.WriteSyncer {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.config.MaxSize,
		MaxBackups: l.config.MaxBackups,
		MaxAge:     l.config.MaxAge,
		Compress:   true,
	}
	l.files = append(l.files, w)
	return zapcore.AddSync(w)
}

// SetLevel 调整输出级别，不影响错误文件。
func (l *Logger) SetLevel(level string) error {
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", level, err)
	}
	l.level.SetLevel(lv)
	return nil
}

// Level 当前级别
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	cp := *l
	cp.Logger = l.Logger.With(zapFields...)
	return &cp
}

// LogOffer 记录挂单生命周期事件
func (l *Logger) LogOffer(event string, offerID int64, fields ...zap.Field) {
	l.Info("offer_event", append([]zap.Field{
		zap.String("event", event),
		zap.Int64("offer_id", offerID),
	}, fields...)...)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	zapFields := make([]zap.Field, 0, len(context)+1)
	zapFields = append(zapFields, zap.Error(err))
	for k, v := range context {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	l.Error("error_event", zapFields...)
}

// Close 刷新缓冲并关闭日志文件。stdout 的 Sync 错误（终端、管道）忽略。
func (l *Logger) Close() error {
	_ = l.Sync()
	var errs []error
	for _, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.files = nil
	return errors.Join(errs...)
}
