package i18n

import (
	"reflect"
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Parse maps a config or Accept-Language value onto a supported language.
func Parse(s string) Language {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "zh") {
		return LangZH
	}
	return LangEN
}

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	MigrationsApplied  string
	SessionsStopped    string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string

	// Services
	PaperVenue       string
	DerivVenue       string
	MockFeedStarted  string
	DerivFeedStarted string
	TickArchiveOn    string
	RemoteModelOn    string
	CredentialsOff   string

	// Trading
	TradingStarted  string
	TradingStopped  string
	AlreadyStopped  string
	TradingPaused   string
	TradingResumed  string
	DepositApplied  string
	WithdrawApplied string
	CredentialsSet  string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting digit trading engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	MigrationsApplied:  "Database migrations applied",
	SessionsStopped:    "All trading sessions stopped",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",

	// Services
	PaperVenue:       "Using simulated paper venue",
	DerivVenue:       "Using Deriv venue at %s",
	MockFeedStarted:  "Mock price feed started",
	DerivFeedStarted: "Deriv price feed started",
	TickArchiveOn:    "Tick archive enabled",
	RemoteModelOn:    "Remote model scorer at %s",
	CredentialsOff:   "MASTER_ENCRYPTION_KEY not set, credential storage disabled",

	// Trading
	TradingStarted:  "Trading started",
	TradingStopped:  "Trading stopped",
	AlreadyStopped:  "Trading was not running",
	TradingPaused:   "Trading paused",
	TradingResumed:  "Trading resumed",
	DepositApplied:  "Deposit applied",
	WithdrawApplied: "Withdrawal applied",
	CredentialsSet:  "Credentials saved",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "正在启动数字交易引擎...",
	ConfigLoaded:       "配置已加载 (端口: %s)",
	UsingDBPath:        "数据库路径: %s",
	ServerListening:    "服务器监听于 :%s",
	ShuttingDown:       "正在优雅关闭...",
	MigrationsApplied:  "数据库迁移已完成",
	SessionsStopped:    "所有交易会话已停止",
	ConfigLoadFailed:   "加载配置失败: %v",
	DBInitFailed:       "初始化数据库失败: %v",
	DBMigrationsFailed: "数据库迁移失败: %v",
	APIServerError:     "API 服务器错误: %v",

	// Services
	PaperVenue:       "使用模拟交易场所",
	DerivVenue:       "使用 Deriv 交易场所 %s",
	MockFeedStarted:  "模拟行情已启动",
	DerivFeedStarted: "Deriv 行情已启动",
	TickArchiveOn:    "行情归档已启用",
	RemoteModelOn:    "远程模型评分服务 %s",
	CredentialsOff:   "未设置 MASTER_ENCRYPTION_KEY，凭证存储已停用",

	// Trading
	TradingStarted:  "交易已启动",
	TradingStopped:  "交易已停止",
	AlreadyStopped:  "交易未在运行",
	TradingPaused:   "交易已暂停",
	TradingResumed:  "交易已恢复",
	DepositApplied:  "入金已入账",
	WithdrawApplied: "出金已入账",
	CredentialsSet:  "凭证已保存",
}

// Decision and error codes surfaced through status.
var reasonsEN = map[string]string{
	"ALLOWED":                          "Trade allowed",
	"LOW_CONFIDENCE":                   "Signal confidence is below the minimum",
	"RATE_LIMITED":                     "Too soon after the previous trade",
	"MAX_CONCURRENT_REACHED":           "Maximum number of open trades reached",
	"INSUFFICIENT_FUNDS_OR_OVER_LIMIT": "Stake exceeds the balance or the per-trade limit",
	"DAILY_LOSS_LIMIT":                 "Daily loss limit reached, trading halted until UTC midnight",
	"CONSECUTIVE_LOSS_LIMIT":           "Too many consecutive losses",
	"FEED_STALE":                       "No recent ticks from the price feed",
	"PAUSED":                           "Trading is paused",
	"RECONCILING":                      "Waiting to confirm an unacknowledged order",
	"NO_SIGNAL":                        "No strategy produced a signal",
	"ALREADY_RUNNING":                  "Trading is already running",
	"INVALID_CONFIG":                   "Invalid trading configuration",
	"NOT_RUNNING":                      "Trading is not running",
}

var reasonsZH = map[string]string{
	"ALLOWED":                          "允许交易",
	"LOW_CONFIDENCE":                   "信号置信度低于下限",
	"RATE_LIMITED":                     "距上一笔交易时间过短",
	"MAX_CONCURRENT_REACHED":           "未结算交易数已达上限",
	"INSUFFICIENT_FUNDS_OR_OVER_LIMIT": "下注金额超过余额或单笔上限",
	"DAILY_LOSS_LIMIT":                 "已达每日亏损上限，UTC 零点前暂停交易",
	"CONSECUTIVE_LOSS_LIMIT":           "连续亏损次数过多",
	"FEED_STALE":                       "行情长时间无更新",
	"PAUSED":                           "交易已暂停",
	"RECONCILING":                      "正在核对未确认的订单",
	"NO_SIGNAL":                        "没有策略产生信号",
	"ALREADY_RUNNING":                  "交易已在运行",
	"INVALID_CONFIG":                   "交易配置无效",
	"NOT_RUNNING":                      "交易未运行",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// MessagesFor returns the message set of lang without changing the default.
func MessagesFor(lang Language) *Messages {
	if lang == LangZH {
		return &messagesZH
	}
	return &messagesEN
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// Reason returns the human-readable text of a decision code in lang.
// Unknown codes are returned unchanged.
func Reason(lang Language, code string) string {
	if code == "" {
		return ""
	}
	table := reasonsEN
	if lang == LangZH {
		table = reasonsZH
	}
	if s, ok := table[code]; ok {
		return s
	}
	return code
}
