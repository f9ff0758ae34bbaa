package driver

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/jimyag/jsm/pkg/smerror"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误信息里使用配置键名而不是字段名
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("config"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeConfig 把 device-config / sm-config 解码到带 `config` tag 的结构体并校验
// 缺少 required 字段返回 ConfigMissing，其他校验失败返回 InvalidArgument
func DecodeConfig(srUUID string, raw map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "config",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return smerror.Wrap(smerror.CodeInvalidArgument, "invalid configuration", err).WithObject(srUUID)
	}

	err = validate.Struct(out)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		if err != nil {
			return smerror.Wrap(smerror.CodeInvalidArgument, "invalid configuration", err).WithObject(srUUID)
		}
		return nil
	}

	var missing, invalid []string
	for _, fe := range verrs {
		name := fe.Field()
		if fe.Tag() == "required" {
			missing = append(missing, name)
		} else {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", name, fe.Tag()))
		}
	}
	if len(missing) > 0 {
		return smerror.Newf(smerror.CodeConfigMissing, "missing configuration: %s", strings.Join(missing, ", ")).WithObject(srUUID)
	}
	return smerror.Newf(smerror.CodeInvalidArgument, "invalid configuration: %s", strings.Join(invalid, ", ")).WithObject(srUUID)
}
