// Package dedupe 按规范编号合并同一出版物的多条记录，只保留一个完整代表，不做字段拼接。
package dedupe

import "nistsentinel/pkg/contract"

// Dedupe 按 ID 分组并选出代表；输出顺序为各 ID 首次出现的顺序。幂等。
//
// 代表优先级：
//  1. Fetched 且正文非空 优先于 FallenBack 或正文为空；
//  2. 勘误日期更新者；
//  3. 先出现者。
func Dedupe(recs []contract.PublicationRecord) []contract.PublicationRecord {
	if len(recs) == 0 {
		return nil
	}
	best := make(map[contract.PublicationID]int, len(recs))
	order := make([]contract.PublicationID, 0, len(recs))
	for i, r := range recs {
		j, seen := best[r.ID]
		if !seen {
			best[r.ID] = i
			order = append(order, r.ID)
			continue
		}
		if better(r, recs[j]) {
			best[r.ID] = i
		}
	}
	out := make([]contract.PublicationRecord, 0, len(order))
	for _, id := range order {
		out = append(out, recs[best[id]].Clone())
	}
	return out
}

// better 报告 a 是否严格优于 b；相等时保留先出现者。
func better(a, b contract.PublicationRecord) bool {
	if ra, rb := rank(a), rank(b); ra != rb {
		return ra > rb
	}
	return a.ErrataDate.After(b.ErrataDate)
}

func rank(r contract.PublicationRecord) int {
	if r.Outcome == contract.Fetched && r.RawContent != "" {
		return 1
	}
	return 0
}
