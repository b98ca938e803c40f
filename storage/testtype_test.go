package storage

// widget is the sample record type used across storage package tests:
// a fixed-width integer field, a variable-length string, and a bool,
// covering every scalar WriteXxx/ReadXxx pair codec.go exposes.
type widget struct {
	ID     uint32
	Name   string
	Weight int32
	Active bool
}

type widgetDescriptor struct{}

func (widgetDescriptor) Name() string    { return "Widget" }
func (widgetDescriptor) MaxCount() int   { return 1 << 16 }
func (widgetDescriptor) RecordSize() int { return 4 + 2 + 64 + 4 + 1 }
func (widgetDescriptor) New() any        { return &widget{} }

func (widgetDescriptor) GetID(r any) uint32     { return r.(*widget).ID }
func (widgetDescriptor) SetID(r any, id uint32) { r.(*widget).ID = id }

func (widgetDescriptor) Write(w Writer, r any) error {
	wd := r.(*widget)
	if err := w.WriteUint32(wd.ID); err != nil {
		return err
	}
	if err := w.WriteString(wd.Name); err != nil {
		return err
	}
	if err := w.WriteInt32(wd.Weight); err != nil {
		return err
	}
	return w.WriteBool(wd.Active)
}

func (widgetDescriptor) Read(r Reader, record any) error {
	wd := record.(*widget)
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	weight, err := r.ReadInt32()
	if err != nil {
		return err
	}
	active, err := r.ReadBool()
	if err != nil {
		return err
	}
	wd.ID, wd.Name, wd.Weight, wd.Active = id, name, weight, active
	return nil
}

func (widgetDescriptor) Fields() []FieldDescriptor {
	return []FieldDescriptor{
		{Name: "name", Kind: FieldString, Get: func(r any) any { return r.(*widget).Name }},
		{Name: "weight", Kind: FieldInt, Get: func(r any) any { return r.(*widget).Weight }},
		{Name: "active", Kind: FieldBool, Get: func(r any) any { return r.(*widget).Active }},
	}
}
