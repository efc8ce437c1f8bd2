package toml

import (
	"context"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/spf13/viper"
)

const (
	groupsPathKey    = "groups.path"
	groupsConfigFile = "groups.toml"
)

// GroupRepository stores groups in groups.toml.
type GroupRepository struct {
	doc document[groupsFileSchema, *groupsFileSchema]
}

var _ ports.GroupRepository = (*GroupRepository)(nil)

func NewGroupRepository(cfg *viper.Viper) (*GroupRepository, error) {
	doc, err := newDocument[groupsFileSchema](cfg, groupsPathKey, groupsConfigFile, "groups file")
	if err != nil {
		return nil, err
	}
	return &GroupRepository{doc: doc}, nil
}

func (r *GroupRepository) Save(ctx context.Context, group domain.Group) error {
	if err := group.Validate(); err != nil {
		return err
	}

	return r.doc.update(ctx, func(file *groupsFileSchema) error {
		file.Groups = upsertByID(file.Groups, toGroupSchema(group), groupKey)
		return nil
	})
}

func (r *GroupRepository) Delete(ctx context.Context, id domain.GroupID) error {
	return r.doc.update(ctx, func(file *groupsFileSchema) error {
		kept, removed := removeByID(file.Groups, string(id), groupKey)
		if !removed {
			return domain.ErrGroupNotFound
		}
		file.Groups = kept
		return nil
	})
}

func (r *GroupRepository) GetByID(ctx context.Context, id domain.GroupID) (domain.Group, error) {
	file, err := r.doc.view(ctx)
	if err != nil {
		return domain.Group{}, err
	}
	entry, ok := findByID(file.Groups, string(id), groupKey)
	if !ok {
		return domain.Group{}, domain.ErrGroupNotFound
	}
	return fromGroupSchema(entry), nil
}

func (r *GroupRepository) List(ctx context.Context) ([]domain.Group, error) {
	file, err := r.doc.view(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]domain.Group, 0, len(file.Groups))
	for _, entry := range file.Groups {
		groups = append(groups, fromGroupSchema(entry))
	}
	return groups, nil
}

func groupKey(entry groupSchema) string {
	return entry.ID
}

func toGroupSchema(group domain.Group) groupSchema {
	members := make([]string, 0, len(group.Members))
	for _, member := range group.Members {
		members = append(members, string(member))
	}

	return groupSchema{
		ID:          string(group.ID),
		Name:        group.Name,
		AllAccounts: group.AllAccounts,
		Members:     members,
		UpdatedAt:   formatTime(group.UpdatedAt),
	}
}

func fromGroupSchema(schema groupSchema) domain.Group {
	members := make([]domain.AccountID, 0, len(schema.Members))
	for _, member := range schema.Members {
		members = append(members, domain.AccountID(member))
	}

	return domain.Group{
		ID:          domain.GroupID(schema.ID),
		Name:        schema.Name,
		AllAccounts: schema.AllAccounts,
		Members:     members,
		UpdatedAt:   parseTime(schema.UpdatedAt),
	}
}
