package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// Amount is either native drops or an issued-currency amount.
type Amount struct {
	Drops    *big.Int // set iff native
	Currency string   // 40-char hex code for issued amounts
	Issuer   string
	Value    string
}

// NativeAmount wraps a drops value.
func NativeAmount(drops *big.Int) *Amount {
	return &Amount{Drops: new(big.Int).Set(drops)}
}

// IssuedAmount is `value` units of an outcome token issued by issuer.
func IssuedAmount(c Currency, issuer string, value *big.Int) *Amount {
	return &Amount{Currency: c.String(), Issuer: issuer, Value: value.String()}
}

func (a Amount) IsNative() bool { return a.Currency == "" }

type issuedJSON struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// MarshalJSON emits drops as a JSON string, issued amounts as an object.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsNative() {
		d := a.Drops
		if d == nil {
			d = new(big.Int)
		}
		return json.Marshal(d.String())
	}
	return json.Marshal(issuedJSON{Currency: a.Currency, Issuer: a.Issuer, Value: a.Value})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		d, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("ledger: bad drops amount %q", s)
		}
		*a = Amount{Drops: d}
		return nil
	}
	var iss issuedJSON
	if err := json.Unmarshal(data, &iss); err != nil {
		return err
	}
	*a = Amount{Currency: iss.Currency, Issuer: iss.Issuer, Value: iss.Value}
	return nil
}

// String is the compact JSON form, used when persisting trades.
func (a *Amount) String() string {
	if a == nil {
		return ""
	}
	b, err := a.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}
