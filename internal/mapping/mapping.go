// Package mapping 将出版物记录映射到三个控制目录。
//
// 两阶段：确定性映射表先行（命中即收录）；条目缺失或不完整时，
// 对正文段落调用分类器，候选经白名单过滤后追加。分类失败只跳过内容阶段。
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nistsentinel/internal/diag"
	"nistsentinel/pkg/contract"
)

// Mapper: 控制映射器。零值不可用，使用 New 构造。
type Mapper struct {
	table    contract.MappingTable
	tax      contract.Taxonomy
	splitter contract.Splitter
	clf      contract.Classifier
	logger   *diag.Logger
	progress func(done, total, errs int)
}

// New 构造映射器。splitter/clf 为空时只执行确定性阶段。
func New(table contract.MappingTable, tax contract.Taxonomy, sp contract.Splitter, clf contract.Classifier, logger *diag.Logger) *Mapper {
	if logger == nil {
		logger = diag.Nop()
	}
	return &Mapper{table: table, tax: tax, splitter: sp, clf: clf, logger: logger}
}

// WithProgress 设置逐条进度回调（终端提示用）。
func (m *Mapper) WithProgress(fn func(done, total, errs int)) *Mapper {
	m.progress = fn
	return m
}

// Map 返回记录的控制引用：确定性映射（按目录顺序稳定排序）在前，内容阶段映射按段落顺序在后；(目录, 标识符) 唯一。
// 内容阶段失败时仍返回确定性映射，同时返回包装 ErrClassificationUnavailable 的错误。
func (m *Mapper) Map(ctx context.Context, rec contract.PublicationRecord) ([]contract.ControlReference, error) {
	var out []contract.ControlReference
	seen := map[string]struct{}{}
	add := func(c contract.ControlReference) {
		if _, dup := seen[c.Key()]; dup {
			return
		}
		seen[c.Key()] = struct{}{}
		out = append(out, c)
	}

	entry, ok := m.table[rec.ID]
	if ok {
		det := append([]contract.ControlReference(nil), entry.Controls...)
		sort.SliceStable(det, func(i, j int) bool { return det[i].Catalog < det[j].Catalog })
		for _, c := range det {
			add(c)
		}
	}
	if ok && entry.Complete {
		return out, nil
	}
	if m.splitter == nil || m.clf == nil || strings.TrimSpace(rec.RawContent) == "" {
		return out, nil
	}

	passages, err := m.splitter.Split(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("%s split: %w: %w", rec.ID, contract.ErrClassificationUnavailable, err)
	}
	// 先收集全部段落的候选，任一失败则整个内容阶段作废
	var content []contract.ControlReference
	for _, p := range passages {
		cands, err := m.clf.Classify(ctx, p, m.tax)
		if err != nil {
			return out, fmt.Errorf("%s passage %d: %w: %w", rec.ID, p.Index, contract.ErrClassificationUnavailable, err)
		}
		for _, c := range cands {
			ref, ok := m.accept(rec.ID, p.Index, c)
			if ok {
				content = append(content, ref)
			}
		}
	}
	for _, c := range content {
		add(c)
	}
	return out, nil
}

// accept 解析候选目录并核对白名单；不通过的候选记录警告后丢弃。
func (m *Mapper) accept(id contract.PublicationID, idx int, c contract.Candidate) (contract.ControlReference, bool) {
	ident := strings.TrimSpace(c.Identifier)
	cat, err := contract.ParseCatalog(c.Catalog)
	if err != nil || !m.tax.Contains(cat, ident) {
		m.logger.Warn("mapper", diag.CodeDegraded.String(), "candidate discarded", string(id),
			diag.KV("catalog", c.Catalog, "identifier", c.Identifier, "passage", idx))
		diag.IncOp("mapper", "discard", "hallucinated")
		return contract.ControlReference{}, false
	}
	return contract.ControlReference{Catalog: cat, Identifier: ident, RelevanceNote: strings.TrimSpace(c.Rationale)}, true
}

// RecordError: MapAll 中单条记录的内容阶段失败。
type RecordError struct {
	ID  contract.PublicationID
	Err error
}

func (e *RecordError) Error() string { return fmt.Sprintf("map %s: %v", e.ID, e.Err) }
func (e *RecordError) Unwrap() error { return e.Err }

// MapAll 对全部记录执行映射并写回 ControlMappings；逐条记录告警，不中止。
// 返回的错误均为 *RecordError。
func (m *Mapper) MapAll(ctx context.Context, recs []contract.PublicationRecord) ([]contract.PublicationRecord, []error) {
	out := make([]contract.PublicationRecord, len(recs))
	var errs []error
	for i, r := range recs {
		tm := m.logger.StartWith("mapper", "map", string(r.ID), "")
		refs, err := m.Map(ctx, r)
		r = r.Clone()
		r.ControlMappings = refs
		out[i] = r
		if err != nil {
			errs = append(errs, &RecordError{ID: r.ID, Err: err})
			m.logger.Warn("mapper", diag.Classify(err).String(), "content phase skipped", string(r.ID), diag.KV("err", err))
			diag.Record("mapper", err)
		} else {
			tm.Finish("map", int64(len(refs)))
			diag.Record("mapper", nil)
		}
		if m.progress != nil {
			m.progress(i+1, len(recs), len(errs))
		}
	}
	return out, errs
}
