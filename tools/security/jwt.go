package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"PPChat/tools/errs"
)

// Options 控制验签参数。令牌由账号服务签发，这里只校验。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	Leeway time.Duration // 时钟偏差容忍
}

// Claims 握手需要的身份信息
type Claims struct {
	UserID    string
	DeviceID  string // 可选：令牌绑定设备（did）
	ExpiresAt time.Time
}

type Verifier struct {
	opts   Options
	method jwtlib.SigningMethod
}

func NewVerifier(opts Options) (*Verifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errs.New("jwt secret is empty")
	}
	m, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	return &Verifier{opts: opts, method: m}, nil
}

// Verify 校验签名/有效期，并取出 sub / did
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("empty token")
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{v.method.Alg()}),
		jwtlib.WithLeeway(v.opts.Leeway),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, errs.ErrUnauthorized.WrapMsg(err.Error())
	}
	mc, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errs.ErrUnauthorized.WrapMsg("invalid token")
	}
	sub, _ := mc.GetSubject()
	if sub == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("missing sub")
	}
	out := &Claims{UserID: sub}
	if did, ok := mc["did"].(string); ok {
		out.DeviceID = did
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
