package api

import (
	"reflect"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var registerValidatorsOnce sync.Once

// registerValidators 讓 gin 的 validator 可以檢查 decimal 金額
//   - money: 非負且最多兩位小數
//   - positive_money: 大於零且最多兩位小數
func registerValidators() {
	registerValidatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				return d.String()
			}
			return nil
		}, decimal.Decimal{})
		_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
			d, ok := parseMoney(fl.Field())
			return ok && !d.IsNegative()
		})
		_ = v.RegisterValidation("positive_money", func(fl validator.FieldLevel) bool {
			d, ok := parseMoney(fl.Field())
			return ok && d.IsPositive()
		})
	})
}

func parseMoney(field reflect.Value) (decimal.Decimal, bool) {
	if field.Kind() != reflect.String {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(field.String())
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, d.Exponent() >= -2 || d.Equal(d.Round(2))
}
