package repository

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/socialsync/internal/model"
)

// sqlite 上先按 LIKE 取候选再在内存里排序，候选上限
const sqliteCandidateLimit = 500

// SearchRepository 搜索投影仓储
type SearchRepository interface {
	// Upsert 以 post_id 幂等写入；已存在时不做修改，返回 created=false
	Upsert(ctx context.Context, doc *model.SearchDocument) (bool, error)

	// DeleteByPostID 不存在时返回 false, nil
	DeleteByPostID(ctx context.Context, postID string) (bool, error)

	FindByPostID(ctx context.Context, postID string) (*model.SearchDocument, error)

	// Search 全文检索，按相关度取前 limit 条
	Search(ctx context.Context, query string, limit int) ([]*model.SearchDocument, error)

	Count(ctx context.Context) (int64, error)
}

type searchRepository struct{ db *gorm.DB }

func NewSearchRepository(db *gorm.DB) SearchRepository { return &searchRepository{db: db} }

func (r *searchRepository) Upsert(ctx context.Context, doc *model.SearchDocument) (bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "post_id"}}, DoNothing: true}).
		Create(doc)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *searchRepository) DeleteByPostID(ctx context.Context, postID string) (bool, error) {
	res := r.db.WithContext(ctx).Where("post_id = ?", postID).Delete(&model.SearchDocument{})
	return res.RowsAffected > 0, res.Error
}

func (r *searchRepository) FindByPostID(ctx context.Context, postID string) (*model.SearchDocument, error) {
	var doc model.SearchDocument
	err := r.db.WithContext(ctx).Where("post_id = ?", postID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *searchRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.SearchDocument{}).Count(&n).Error
	return n, err
}

func (r *searchRepository) Search(ctx context.Context, query string, limit int) ([]*model.SearchDocument, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return []*model.SearchDocument{}, nil
	}
	if r.db.Dialector.Name() == "postgres" {
		return r.searchPostgres(ctx, strings.Join(terms, " "), limit)
	}
	return r.searchLike(ctx, terms, limit)
}

func (r *searchRepository) searchPostgres(ctx context.Context, q string, limit int) ([]*model.SearchDocument, error) {
	var docs []*model.SearchDocument
	err := r.db.WithContext(ctx).
		Where("to_tsvector('simple', content) @@ plainto_tsquery('simple', ?)", q).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', ?)) DESC, created_at DESC",
			Vars:               []any{q},
			WithoutParentheses: true,
		}}).
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// searchLike 用于 sqlite：任一词命中即为候选，按词频打分
func (r *searchRepository) searchLike(ctx context.Context, terms []string, limit int) ([]*model.SearchDocument, error) {
	tx := r.db.WithContext(ctx).Model(&model.SearchDocument{})
	cond := r.db.Session(&gorm.Session{NewDB: true})
	for i, t := range terms {
		pattern := "%" + escapeLike(t) + "%"
		if i == 0 {
			cond = cond.Where(`LOWER(content) LIKE ? ESCAPE '\'`, pattern)
		} else {
			cond = cond.Or(`LOWER(content) LIKE ? ESCAPE '\'`, pattern)
		}
	}
	var docs []*model.SearchDocument
	if err := tx.Where(cond).Order("created_at DESC").Limit(sqliteCandidateLimit).Find(&docs).Error; err != nil {
		return nil, err
	}

	scores := make(map[string]int, len(docs))
	for _, d := range docs {
		content := strings.ToLower(d.Content)
		for _, t := range terms {
			scores[d.ID] += strings.Count(content, t)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return scores[docs[i].ID] > scores[docs[j].ID]
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func searchTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
