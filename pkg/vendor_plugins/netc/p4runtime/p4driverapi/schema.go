// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package p4driverapi

import (
	"fmt"

	p4_config_v1 "github.com/p4lang/p4runtime/go/p4/config/v1"

	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

// Pipeline object names
const (
	tableFdb  = "netc_control.fdb_table"
	tableVlan = "netc_control.vlan_filter_table"
	tableEtt  = "netc_control.egress_treatment_table"
	tableBpt  = "netc_control.buffer_pool_table"

	actionFdb  = "netc_control.fdb_cfg"
	actionVlan = "netc_control.vlan_filter_cfg"
	actionEtt  = "netc_control.egress_treatment_cfg"
	actionBpt  = "netc_control.buffer_pool_cfg"

	counterEct = "netc_control.egress_counter"

	fieldMac   = "mac_addr"
	fieldFid   = "fid"
	fieldVid   = "vid"
	fieldEid   = "eid"
	fieldIndex = "index"
)

// maxActCnt is the saturation value of the FDB activity counters
const maxActCnt = 127

type tableInfo struct {
	id     uint32
	size   int64
	fields map[string]uint32
}

type schema struct {
	tables     map[string]tableInfo
	ectID      uint32
	ectEntries int64
}

var requiredTables = map[string][]string{
	tableFdb:  {fieldMac, fieldFid},
	tableVlan: {fieldVid},
	tableEtt:  {fieldEid},
	tableBpt:  {fieldIndex},
}

func newSchema(info *p4_config_v1.P4Info) (*schema, error) {
	s := &schema{tables: make(map[string]tableInfo)}
	for _, t := range info.GetTables() {
		ti := tableInfo{id: t.GetPreamble().GetId(), size: t.GetSize(), fields: make(map[string]uint32)}
		for _, mf := range t.GetMatchFields() {
			ti.fields[mf.GetName()] = mf.GetId()
		}
		s.tables[t.GetPreamble().GetName()] = ti
	}
	for name, fields := range requiredTables {
		ti, ok := s.tables[name]
		if !ok {
			return nil, fmt.Errorf("p4info: table %s missing", name)
		}
		for _, f := range fields {
			if _, ok := ti.fields[f]; !ok {
				return nil, fmt.Errorf("p4info: table %s has no match field %s", name, f)
			}
		}
	}
	for _, c := range info.GetCounters() {
		if c.GetPreamble().GetName() == counterEct {
			s.ectID = c.GetPreamble().GetId()
			s.ectEntries = c.GetSize()
		}
	}
	if s.ectID == 0 {
		return nil, fmt.Errorf("p4info: counter %s missing", counterEct)
	}
	return s, nil
}

func (s *schema) capabilities() tableengine.Capabilities {
	return tableengine.Capabilities{
		EttEntries:     uint32(s.tables[tableEtt].size),
		EctEntries:     uint32(s.ectEntries),
		BufferPools:    uint32(s.tables[tableBpt].size),
		MaxActivityCnt: maxActCnt,
	}
}

// fieldName returns the name of match field id of table
func (s *schema) fieldName(table string, id uint32) string {
	for name, fid := range s.tables[table].fields {
		if fid == id {
			return name
		}
	}
	return ""
}
