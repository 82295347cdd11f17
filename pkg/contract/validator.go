package contract

import (
	"regexp"
	"strings"
)

// 出版物编号：三位系列号 + 两到三位序号 + 可选单个大写后缀字母。
var idPattern = regexp.MustCompile(`^\d{3}-\d{2,3}[A-Z]?$`)

// 修订形式：800-171r3、800-171 Rev. 3、SP 800-53 Rev 5。
var rawIDPattern = regexp.MustCompile(`^(?:NIST\s+)?(?:SP\s*)?(\d{3}-\d{2,3})([A-Z]?)(?:\s*R(?:EV)?\.?\s*(\d+))?$`)

// ValidPublicationID 判断编号是否符合规范格式。
func ValidPublicationID(id PublicationID) bool { return idPattern.MatchString(string(id)) }

// CanonicalizeID 将原始编号拆分为规范编号与修订标签。
// 无法识别时原样返回（去空白），由校验器判定为畸形。
func CanonicalizeID(raw string) (PublicationID, string) {
	s := strings.TrimSpace(raw)
	m := rawIDPattern.FindStringSubmatch(strings.ToUpper(s))
	if m == nil {
		return PublicationID(s), ""
	}
	id := PublicationID(m[1] + m[2])
	if m[3] != "" {
		return id, "Rev. " + m[3]
	}
	return id, ""
}
