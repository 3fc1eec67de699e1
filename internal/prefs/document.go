package prefs

import (
	"encoding/json"
	"fmt"
	"sort"

	"notifyd/internal/config"
	"notifyd/internal/model"
)

// Document is the import/export form of the store.
type Document struct {
	Users       []model.User               `json:"users"`
	Preferences []model.PersonalPreference `json:"preferences"`
	TypeRules   []model.TypeRule           `json:"type_rules"`
	Groups      []model.Group              `json:"groups"`
}

// Decode parses a JSON or YAML document (chosen by path extension) strictly:
// unknown fields, including unknown channel names, are rejected.
func Decode(path string, data []byte) (Document, error) {
	jb, err := config.ToJSON(path, data)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := config.DecodeStrict(jb, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Encode serializes doc as indented JSON, or YAML when path ends in .yaml/.yml.
func Encode(path string, doc Document) ([]byte, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	if !config.IsYAML(path) {
		return append(b, '\n'), nil
	}
	return config.FromJSON(path, b)
}

// normalize returns a deep copy of doc with every list sorted by key and nil
// collections replaced by empty ones, so two equal documents encode identically.
func normalize(doc Document) Document {
	out := Document{
		Users:       make([]model.User, 0, len(doc.Users)),
		Preferences: make([]model.PersonalPreference, 0, len(doc.Preferences)),
		TypeRules:   make([]model.TypeRule, 0, len(doc.TypeRules)),
		Groups:      make([]model.Group, 0, len(doc.Groups)),
	}
	out.Users = append(out.Users, doc.Users...)
	for _, p := range doc.Preferences {
		out.Preferences = append(out.Preferences, clonePreference(p))
	}
	out.TypeRules = append(out.TypeRules, doc.TypeRules...)
	for _, g := range doc.Groups {
		out.Groups = append(out.Groups, cloneGroup(g))
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].ID < out.Users[j].ID })
	sort.Slice(out.Preferences, func(i, j int) bool { return out.Preferences[i].UserID < out.Preferences[j].UserID })
	sort.Slice(out.TypeRules, func(i, j int) bool { return out.TypeRules[i].Type < out.TypeRules[j].Type })
	sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	return out
}

func clonePreference(p model.PersonalPreference) model.PersonalPreference {
	if p.TypeOverrides == nil {
		return p
	}
	m := make(map[model.NotificationType]model.TypeOverride, len(p.TypeOverrides))
	for t, ov := range p.TypeOverrides {
		if ov.Channels != nil {
			cs := *ov.Channels
			ov.Channels = &cs
		}
		m[t] = ov
	}
	p.TypeOverrides = m
	return p
}

func cloneGroup(g model.Group) model.Group {
	g.Members = append([]string(nil), g.Members...)
	g.Types = append([]model.NotificationType(nil), g.Types...)
	sort.Strings(g.Members)
	sort.Slice(g.Types, func(i, j int) bool { return g.Types[i] < g.Types[j] })
	return g
}
