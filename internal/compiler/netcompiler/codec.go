package netcompiler

import (
	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

const (
	reqCompile             = 'c'
	reqCompileInTx         = 'x'
	reqTryCompileRollback  = 'r'
	reqInterpretBackendErr = 'e'

	respUnits          = 'u'
	respRollback       = 'b'
	respStructuredErr  = 'k'
	respCompilerFailed = 'f'
)

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeUnit(b *wire.Builder, u *queryunit.Unit) {
	b.UUID(u.InputTypeID)
	b.LenBytes(u.InputTypeDesc)
	b.UUID(u.OutputTypeID)
	b.LenBytes(u.OutputTypeDesc)
	b.LenBytes(u.SQL)
	b.LenString(u.PreparedStmtHash)
	b.Byte(boolByte(u.Cacheable))
	b.Byte(byte(u.TxAction))
	b.Byte(boolByte(u.ConfigAffecting))
	b.LenString(u.ConfigKey)
	b.LenString(u.ConfigValue)
	b.Byte(boolByte(u.AliasAffecting))
	b.LenString(u.AliasKey)
	b.LenString(u.AliasValue)
	b.Int64(u.SavepointID)
	b.LenString(u.UnitID)
}

func readUnit(m *wire.Message) (*queryunit.Unit, error) {
	u := &queryunit.Unit{}
	var err error
	if u.InputTypeID, err = m.ReadUUID(); err != nil {
		return nil, err
	}
	if u.InputTypeDesc, err = m.ReadLenBytes(); err != nil {
		return nil, err
	}
	if u.OutputTypeID, err = m.ReadUUID(); err != nil {
		return nil, err
	}
	if u.OutputTypeDesc, err = m.ReadLenBytes(); err != nil {
		return nil, err
	}
	if u.SQL, err = m.ReadLenBytes(); err != nil {
		return nil, err
	}
	if u.PreparedStmtHash, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	cacheable, err := m.ReadByte()
	if err != nil {
		return nil, err
	}
	u.Cacheable = cacheable != 0
	txAction, err := m.ReadByte()
	if err != nil {
		return nil, err
	}
	u.TxAction = queryunit.TxAction(txAction)
	configAffecting, err := m.ReadByte()
	if err != nil {
		return nil, err
	}
	u.ConfigAffecting = configAffecting != 0
	if u.ConfigKey, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	if u.ConfigValue, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	aliasAffecting, err := m.ReadByte()
	if err != nil {
		return nil, err
	}
	u.AliasAffecting = aliasAffecting != 0
	if u.AliasKey, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	if u.AliasValue, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	if u.SavepointID, err = m.ReadInt64(); err != nil {
		return nil, err
	}
	if u.UnitID, err = m.ReadLenString(); err != nil {
		return nil, err
	}
	return u, nil
}

func writeStringMap(b *wire.Builder, m map[string]string) {
	b.Uint32(uint32(len(m)))
	for k, v := range m {
		b.LenString(k)
		b.LenString(v)
	}
}

func readStringMap(msg *wire.Message) (map[string]string, error) {
	n, err := msg.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := msg.ReadLenString()
		if err != nil {
			return nil, err
		}
		v, err := msg.ReadLenString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func readUnitList(msg *wire.Message) ([]*queryunit.Unit, error) {
	n, err := msg.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]*queryunit.Unit, 0, n)
	for i := uint32(0); i < n; i++ {
		u, err := readUnit(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
