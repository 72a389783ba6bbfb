package deriv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/pkg/broker"
)

// envelope is the part every venue frame shares.
type envelope struct {
	MsgType      string        `json:"msg_type"`
	ReqID        int64         `json:"req_id"`
	Error        *apiError     `json:"error,omitempty"`
	Subscription *subscription `json:"subscription,omitempty"`
}

type subscription struct {
	ID string `json:"id"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// classify maps venue error codes onto broker sentinels.
func (e *apiError) classify() error {
	switch e.Code {
	case "AuthorizationRequired", "InvalidToken", "InvalidAppID", "PermissionDenied":
		return fmt.Errorf("%w: %s", broker.ErrAuth, e.Error())
	case "RateLimit", "ServiceUnavailable", "WrongResponse", "InternalServerError":
		return fmt.Errorf("%w: %s", broker.ErrTransient, e.Error())
	case "ContractNotFound", "InvalidContractId":
		return fmt.Errorf("%w: %s", broker.ErrNotFound, e.Error())
	default:
		return fmt.Errorf("%w: %s", broker.ErrRejected, e.Error())
	}
}

type authorizeResponse struct {
	Authorize struct {
		LoginID   string          `json:"loginid"`
		Currency  string          `json:"currency"`
		Balance   decimal.Decimal `json:"balance"`
		IsVirtual int             `json:"is_virtual"`
	} `json:"authorize"`
}

type balanceResponse struct {
	Balance struct {
		Balance  decimal.Decimal `json:"balance"`
		Currency string          `json:"currency"`
	} `json:"balance"`
}

type buyParameters struct {
	Amount       float64 `json:"amount"`
	Basis        string  `json:"basis"`
	ContractType string  `json:"contract_type"`
	Currency     string  `json:"currency"`
	Duration     int     `json:"duration"`
	DurationUnit string  `json:"duration_unit"`
	Symbol       string  `json:"symbol"`
	Barrier      string  `json:"barrier,omitempty"`
	Barrier2     string  `json:"barrier2,omitempty"`
}

type buyRequest struct {
	Buy         int               `json:"buy"`
	Price       float64           `json:"price"`
	Parameters  buyParameters     `json:"parameters"`
	Passthrough map[string]string `json:"passthrough,omitempty"`
}

type buyResponse struct {
	Buy struct {
		ContractID   json.Number     `json:"contract_id"`
		BuyPrice     decimal.Decimal `json:"buy_price"`
		Payout       decimal.Decimal `json:"payout"`
		PurchaseTime int64           `json:"purchase_time"`
	} `json:"buy"`
	Passthrough map[string]string `json:"passthrough"`
}

type openContract struct {
	ContractID json.Number     `json:"contract_id"`
	IsSold     int             `json:"is_sold"`
	Status     string          `json:"status"`
	Profit     decimal.Decimal `json:"profit"`
	Payout     decimal.Decimal `json:"payout"`
	SellTime   int64           `json:"sell_time"`
}

type openContractResponse struct {
	ProposalOpenContract openContract `json:"proposal_open_contract"`
}

func (c openContract) status() broker.ContractStatus {
	st := broker.ContractStatus{
		ContractID: c.ContractID.String(),
		State:      broker.ContractOpen,
		Profit:     c.Profit,
		Payout:     c.Payout,
	}
	finished := c.IsSold == 1 || c.Status == "won" || c.Status == "lost" || c.Status == "sold"
	if !finished {
		return st
	}
	if c.Profit.IsPositive() {
		st.State = broker.ContractWon
	} else {
		st.State = broker.ContractLost
	}
	if c.SellTime > 0 {
		st.SettledAt = time.Unix(c.SellTime, 0).UTC()
	} else {
		st.SettledAt = time.Now().UTC()
	}
	return st
}

type portfolioResponse struct {
	Portfolio struct {
		Contracts []struct {
			ContractID   json.Number     `json:"contract_id"`
			ContractType string          `json:"contract_type"`
			Symbol       string          `json:"symbol"`
			BuyPrice     decimal.Decimal `json:"buy_price"`
			PurchaseTime int64           `json:"purchase_time"`
		} `json:"contracts"`
	} `json:"portfolio"`
}

type profitTableResponse struct {
	ProfitTable struct {
		Transactions []struct {
			ContractID   json.Number     `json:"contract_id"`
			BuyPrice     decimal.Decimal `json:"buy_price"`
			PurchaseTime int64           `json:"purchase_time"`
			ShortCode    string          `json:"shortcode"`
		} `json:"transactions"`
	} `json:"profit_table"`
}

// contractTypeFromShortCode extracts the contract type prefix of a venue
// shortcode such as "DIGITEVEN_R_100_1.95_1700000000_5T_S0P_0".
func contractTypeFromShortCode(code string) broker.ContractType {
	head, _, ok := strings.Cut(code, "_")
	if !ok {
		return ""
	}
	return broker.ContractType(head)
}

type tickFrame struct {
	Tick struct {
		Symbol  string          `json:"symbol"`
		Quote   decimal.Decimal `json:"quote"`
		Epoch   int64           `json:"epoch"`
		PipSize int             `json:"pip_size"`
	} `json:"tick"`
}

type timeResponse struct {
	Time int64 `json:"time"`
}
