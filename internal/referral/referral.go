// Package referral отвечает за коды приглашения и денормализованный снимок
// трёх поколений пригласивших.
//
// Источник истины — таблица рёбер (пользователь -> родитель); снимок
// вычисляется один раз при регистрации сдвигом снимка родителя на одно
// поколение и далее не пересчитывается.
package referral

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/tapaar/ledger-service/internal/model"
)

// RootName — плейсхолдер предка для пользователей без пригласившего.
const RootName = "tapaar"

// NewCode генерирует код приглашения: три первые буквы имени и три цифры.
// Имя режется по рунам, а не по байтам: многобайтные буквы не ломаются.
func NewCode(username string) string {
	prefix := []rune(strings.ToUpper(username))
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s%d", string(prefix), 100+rand.Intn(900))
}

// Lineage — снимок родословной нового пользователя.
type Lineage struct {
	Generation      int
	Parrain         string
	ParrainRef      string
	ParrainUID      string
	GrandParrain    string
	GrandParrainRef string
	GrandParrainUID string
	GreatParrain    string
	GreatParrainRef string
	GreatParrainUID string
}

// SnapshotFromParent строит родословную нового пользователя из профиля
// пригласившего: родитель становится parrain, его parrain — grandParrain,
// его grandParrain — greatParrain. При отсутствии пригласившего все предки —
// корневой плейсхолдер.
func SnapshotFromParent(parent *model.MembershipProfile) Lineage {
	if parent == nil {
		return Lineage{
			Generation: 0,
			Parrain:    RootName,
			ParrainRef: RootName,
			ParrainUID: RootName,
		}
	}

	l := Lineage{
		Generation: parent.Generation + 1,
		Parrain:    parent.Username,
		ParrainRef: parent.Referral,
		ParrainUID: strconv.FormatInt(parent.UserID, 10),
	}

	if l.Generation >= 2 {
		l.GrandParrain = orRoot(parent.Parrain)
		l.GrandParrainRef = orRoot(parent.ParrainRef)
		l.GrandParrainUID = orRoot(parent.ParrainUID)
	}
	if l.Generation >= 3 {
		l.GreatParrain = orRoot(parent.GrandParrain)
		l.GreatParrainRef = orRoot(parent.GrandParrainRef)
		l.GreatParrainUID = orRoot(parent.GrandParrainUID)
	}

	return l
}

func orRoot(v string) string {
	if v == "" {
		return RootName
	}
	return v
}
