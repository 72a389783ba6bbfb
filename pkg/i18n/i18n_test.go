package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangZH)
	assert.Equal(t, LangZH, GetLanguage())
	assert.Equal(t, messagesZH.TradingStarted, M().TradingStarted)
	assert.Equal(t, messagesZH.TradingStarted, Get("TradingStarted"))
	assert.Equal(t, "NoSuchKey", Get("NoSuchKey"))

	SetLanguage("fr")
	assert.Equal(t, messagesEN.TradingStarted, M().TradingStarted)
}

func TestReasonText(t *testing.T) {
	assert.Equal(t, "Signal confidence is below the minimum", Reason(LangEN, "LOW_CONFIDENCE"))
	assert.Equal(t, "信号置信度低于下限", Reason(LangZH, "LOW_CONFIDENCE"))
	assert.Equal(t, "SOMETHING_NEW", Reason(LangEN, "SOMETHING_NEW"))
	assert.Empty(t, Reason(LangEN, ""))
}

func TestParse(t *testing.T) {
	assert.Equal(t, LangZH, Parse("zh-CN,zh;q=0.9"))
	assert.Equal(t, LangEN, Parse("en-US"))
	assert.Equal(t, LangEN, Parse(""))
}

func TestEveryMessageIsTranslated(t *testing.T) {
	for code := range reasonsEN {
		_, ok := reasonsZH[code]
		assert.True(t, ok, code)
	}
	assert.Len(t, reasonsZH, len(reasonsEN))
}
